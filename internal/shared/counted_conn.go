package shared

import (
	"net"
	"sync/atomic"
)

// TrafficCounter 累计经过包装连接的上行和下行字节数，可在多个连接之间共享。
type TrafficCounter struct {
	uplink   atomic.Uint64
	downlink atomic.Uint64
}

// Totals returns the bytes written and read so far.
func (t *TrafficCounter) Totals() (uplink, downlink uint64) {
	return t.uplink.Load(), t.downlink.Load()
}

// Wrap 返回一个读写都计入 t 的连接。
func (t *TrafficCounter) Wrap(conn net.Conn) net.Conn {
	return &countedConn{Conn: conn, counter: t}
}

type countedConn struct {
	net.Conn
	counter *TrafficCounter
}

func (c *countedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.counter.downlink.Add(uint64(n))
	}
	return n, err
}

func (c *countedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.counter.uplink.Add(uint64(n))
	}
	return n, err
}
