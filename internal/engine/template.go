package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"cdn_ip_tester/internal/shared/types"
	"cdn_ip_tester/ippool/model"
)

// Tree is a decoded JSON document: map[string]any / []any / scalars.
type Tree = map[string]any

// Outbound 是某个地址对应的引擎配置片段: 唯一的 tag 序号、目标地址和本地 SOCKS5 端口。
// 端口 = port_base + Index，在整个运行期间固定。
type Outbound struct {
	Index   int
	Address model.Address
	Port    uint16
}

func (o Outbound) InboundTag() string  { return fmt.Sprintf("inbound-%d", o.Index) }
func (o Outbound) OutboundTag() string { return fmt.Sprintf("outbound-%d", o.Index) }

// Plan assigns ports in sampling order: subnets in order, addresses in order.
func Plan(subnets []*model.Subnet, portBase uint16) ([]Outbound, error) {
	total := 0
	for _, s := range subnets {
		total += s.Len()
	}
	if total > 0 && int(portBase)+total-1 > math.MaxUint16 {
		return nil, types.NewConfigError("synthesizer", fmt.Errorf("%d addresses do not fit in ports %d-%d", total, portBase, math.MaxUint16))
	}
	out := make([]Outbound, 0, total)
	for _, s := range subnets {
		for _, a := range s.Addresses {
			idx := len(out)
			out = append(out, Outbound{Index: idx, Address: a, Port: portBase + uint16(idx)})
		}
	}
	return out, nil
}

// PortTable indexes a plan by address.
func PortTable(outs []Outbound) map[model.Address]uint16 {
	m := make(map[model.Address]uint16, len(outs))
	for _, o := range outs {
		m[o.Address] = o.Port
	}
	return m
}

// LoadTemplate 读取一个 JSON 模板文件。数字保持为 json.Number，避免大整数被转换成浮点数。
func LoadTemplate(path string) (Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewConfigError("template", fmt.Errorf("failed to read %s: %w", path, err))
	}
	return ParseTemplate(data)
}

func ParseTemplate(data []byte) (Tree, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var t Tree
	if err := dec.Decode(&t); err != nil {
		return nil, types.NewConfigError("template", fmt.Errorf("invalid JSON: %w", err))
	}
	if t == nil {
		return nil, types.NewConfigError("template", fmt.Errorf("template must be a JSON object"))
	}
	return t, nil
}

// Synthesize 生成覆盖全部地址的引擎配置: 在引擎模板的 inbounds / outbounds / route.rules
// 后追加每个地址的 SOCKS5 入站、克隆的出站以及绑定二者的路由规则。
// 两个模板都不会被修改。
func Synthesize(base, outboundTpl Tree, outs []Outbound, listenIP string) (Tree, error) {
	if err := checkEngineTemplate(base); err != nil {
		return nil, err
	}
	if outboundTpl == nil {
		return nil, types.NewConfigError("template", fmt.Errorf("outbound template is empty"))
	}

	cfg := clone(base).(Tree)
	inbounds := cfg["inbounds"].([]any)
	outbounds := cfg["outbounds"].([]any)
	route := cfg["route"].(Tree)
	rules, _ := route["rules"].([]any)

	for _, o := range outs {
		inbounds = append(inbounds, Tree{
			"type":          "socks",
			"tag":           o.InboundTag(),
			"listen":        listenIP,
			"listen_port":   o.Port,
			"tcp_fast_open": true,
			"users":         []any{},
		})

		ob := clone(outboundTpl).(Tree)
		ob["tag"] = o.OutboundTag()
		ob["server"] = o.Address.IP.String()
		outbounds = append(outbounds, ob)

		rules = append(rules, Tree{
			"inbound":  []any{o.InboundTag()},
			"outbound": o.OutboundTag(),
		})
	}

	cfg["inbounds"] = inbounds
	cfg["outbounds"] = outbounds
	route["rules"] = rules
	return cfg, nil
}

func checkEngineTemplate(t Tree) error {
	if t == nil {
		return types.NewConfigError("template", fmt.Errorf("engine template is empty"))
	}
	for _, key := range []string{"inbounds", "outbounds"} {
		v, ok := t[key]
		if !ok {
			return types.NewConfigError("template", fmt.Errorf("engine template is missing %q", key))
		}
		if _, ok := v.([]any); !ok {
			return types.NewConfigError("template", fmt.Errorf("engine template %q must be an array", key))
		}
	}
	route, ok := t["route"].(Tree)
	if !ok {
		return types.NewConfigError("template", fmt.Errorf("engine template is missing object %q", "route"))
	}
	if r, exists := route["rules"]; exists {
		if _, ok := r.([]any); !ok {
			return types.NewConfigError("template", fmt.Errorf("engine template %q must be an array", "route.rules"))
		}
	}
	return nil
}

func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = clone(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = clone(e)
		}
		return s
	default:
		return x
	}
}

// WriteConfig 把生成的配置写入 path。
func WriteConfig(path string, cfg Tree) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal engine config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
