package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"cdn_ip_tester/internal/shared"
	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
	"cdn_ip_tester/ippool/model"
)

// Prober probes one address through its local SOCKS5 port.
type Prober interface {
	Probe(ctx context.Context, addr model.Address, port uint16) model.Outcome
}

// ErrBodyMismatch 表示响应体不包含期望的内容。
var ErrBodyMismatch = errors.New("response body does not contain the expected text")

type Validator struct {
	dialHost   string
	cdnURL     string
	serverURL  string
	cdnBody    string
	serverBody string
	maxRTT     time.Duration
	maxBody    int64

	ignoreBodyWarning bool
	now               func() time.Time
	traffic           shared.TrafficCounter
}

// NewValidator creates a Validator from the run configuration. ignoreBodyWarning
// only quiets the mismatch log; a mismatch is still a failure.
func NewValidator(cfg *types.RunConfig, ignoreBodyWarning bool) *Validator {
	return &Validator{
		dialHost:          cfg.DialHost(),
		cdnURL:            cfg.CDNURL,
		serverURL:         cfg.ServerURL,
		cdnBody:           cfg.CDNResBody,
		serverBody:        cfg.ServerResBody,
		maxRTT:            cfg.MaxRTTDuration(),
		maxBody:           cfg.Probe.MaxBody,
		ignoreBodyWarning: ignoreBodyWarning,
		now:               time.Now,
	}
}

// Probe 通过 port 对应的 SOCKS5 入站依次请求 cdn_url (为空时为 http://<addr>) 和 server_url。
// 两个阶段共用一个 max_rtt 截止时间; 总耗时从第一个请求发出前开始计时，
// 到第二个响应体读完为止。ctx 被取消时返回 ClassCanceled。
func (v *Validator) Probe(ctx context.Context, addr model.Address, port uint16) model.Outcome {
	l := logger.WithComponent("IPPool/Validator")

	probeCtx, cancel := context.WithTimeout(ctx, v.maxRTT)
	defer cancel()

	client, closeIdle, err := v.newClient(port)
	if err != nil {
		return model.Outcome{Address: addr, Class: model.ClassUnreachable, At: v.now(), Err: err}
	}
	defer closeIdle()

	start := v.now()
	out := model.Outcome{Address: addr, At: start}

	if class, err := v.stage(probeCtx, ctx, client, v.cdnTarget(addr), v.cdnBody, model.ClassCDNValidationFailed, addr, l); err != nil {
		return v.fail(out, class, err)
	}
	cdnDone := v.now()
	out.CDNRTT = cdnDone.Sub(start)

	if class, err := v.stage(probeCtx, ctx, client, v.serverURL, v.serverBody, model.ClassOriginValidationFailed, addr, l); err != nil {
		return v.fail(out, class, err)
	}
	end := v.now()
	out.ServerRTT = end.Sub(cdnDone)
	out.RTT = end.Sub(start)

	if out.RTT > v.maxRTT {
		return v.fail(out, model.ClassTimeout, fmt.Errorf("rtt %s exceeds max_rtt %s", out.RTT, v.maxRTT))
	}
	out.Class = model.ClassOK
	l.Debug().Str("ip", addr.String()).Dur("rtt", out.RTT).Dur("cdn_rtt", out.CDNRTT).Dur("server_rtt", out.ServerRTT).Msg("Probe passed.")
	return out
}

// cdnTarget 返回第一阶段请求的 URL。未配置 cdn_url 时直接请求 http://<addr>。
func (v *Validator) cdnTarget(addr model.Address) string {
	if v.cdnURL != "" {
		return v.cdnURL
	}
	return (&url.URL{Scheme: "http", Host: hostLiteral(addr.IP)}).String()
}

func hostLiteral(ip netip.Addr) string {
	if ip.Is6() && !ip.Is4In6() {
		return "[" + ip.WithZone("").String() + "]"
	}
	return ip.Unmap().String()
}

func (v *Validator) fail(out model.Outcome, class model.Class, err error) model.Outcome {
	out.Class = class
	out.Err = err
	out.RTT, out.CDNRTT, out.ServerRTT = 0, 0, 0
	return out
}

// stage performs one GET and checks the body. On failure it returns the class
// the failure maps to.
func (v *Validator) stage(probeCtx, parent context.Context, client *http.Client, target, want string, mismatch model.Class, addr model.Address, l zerolog.Logger) (model.Class, error) {
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return model.ClassUnreachable, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return classify(probeCtx, parent, err), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, v.maxBody))
	if err != nil {
		return classify(probeCtx, parent, err), fmt.Errorf("failed to read body: %w", err)
	}

	if want != "" && !strings.Contains(string(body), want) {
		ev := l.Warn()
		if v.ignoreBodyWarning {
			ev = l.Debug()
		}
		ev.Str("ip", addr.String()).Str("url", target).Int("status", resp.StatusCode).Str("body", abbreviate(body, 200)).Msg("Response body unmatched.")
		return mismatch, fmt.Errorf("%s: %w", target, ErrBodyMismatch)
	}
	return "", nil
}

// classify 把网络错误映射为失败类别。运行被取消时返回 ClassCanceled，
// 超过 max_rtt 为 timeout，其余 (拒绝连接、重置、SOCKS 握手失败等) 为 unreachable。
func classify(probeCtx, parent context.Context, err error) model.Class {
	if parent.Err() != nil {
		return model.ClassCanceled
	}
	if errors.Is(probeCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return model.ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ClassTimeout
	}
	return model.ClassUnreachable
}

// newClient builds an HTTP client whose every connection goes through the
// engine's SOCKS5 inbound on port.
func (v *Validator) newClient(port uint16) (*http.Client, func(), error) {
	socksAddr := net.JoinHostPort(v.dialHost, strconv.Itoa(int(port)))
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{Timeout: v.maxRTT})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, nil, errors.New("SOCKS5 dialer does not support contexts")
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := ctxDialer.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			return v.traffic.Wrap(conn), nil
		},
		TLSHandshakeTimeout:   v.maxRTT,
		ResponseHeaderTimeout: v.maxRTT,
		MaxIdleConnsPerHost:   1,
		ForceAttemptHTTP2:     true,
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return client, transport.CloseIdleConnections, nil
}

// Traffic returns the bytes sent and received through the engine by all probes.
func (v *Validator) Traffic() (uplink, downlink uint64) {
	return v.traffic.Totals()
}

func abbreviate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
