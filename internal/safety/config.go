package safety

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/kstaniek/go-panda-gateway/internal/can"
)

// PolicySet is the policy triple registered for one mode. Nil members are
// left unregistered.
type PolicySet struct {
	Mode    Mode
	Tx      TxPolicy
	Rx      RxPolicy
	Forward ForwardPolicy
}

// Apply registers every set on g.
func (g *Gate) Apply(sets ...PolicySet) {
	for _, s := range sets {
		if s.Tx != nil {
			g.RegisterTxPolicy(s.Mode, s.Tx)
		}
		if s.Rx != nil {
			g.RegisterRxPolicy(s.Mode, s.Rx)
		}
		if s.Forward != nil {
			g.RegisterForwardPolicy(s.Mode, s.Forward)
		}
	}
}

// LoadPolicies reads allow lists and forwarding routes from an ini source
// (path, []byte or io.Reader). Each section is named after a mode:
//
//	[mode.honda]
//	tx      = 0:0xE4, 0:0x194
//	rx      = *
//	forward = 0:2, 2:0
//	block   = 2:0xE4
//
// A list entry is "*", "bus:*" or "bus:addr". NO_OUTPUT never transmits, so
// a tx key in its section is rejected.
func LoadPolicies(src any) ([]PolicySet, error) {
	f, err := ini.Load(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicy, err)
	}
	var out []PolicySet
	for _, sec := range f.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "mode.")
		if !ok {
			continue
		}
		m, err := ParseMode(name)
		if err != nil {
			return nil, fmt.Errorf("%w: section %q: %w", ErrPolicy, sec.Name(), err)
		}
		set := PolicySet{Mode: m}
		if sec.HasKey("tx") {
			if m == ModeNoOutput {
				return nil, fmt.Errorf("%w: [%s] tx not allowed", ErrPolicy, sec.Name())
			}
			al, err := parseAllowList(sec.Key("tx").Strings(","))
			if err != nil {
				return nil, fmt.Errorf("[%s] tx: %w", sec.Name(), err)
			}
			set.Tx = al
		}
		if sec.HasKey("rx") {
			al, err := parseAllowList(sec.Key("rx").Strings(","))
			if err != nil {
				return nil, fmt.Errorf("[%s] rx: %w", sec.Name(), err)
			}
			set.Rx = al
		}
		if sec.HasKey("forward") {
			sf := NewStaticForward()
			for _, r := range sec.Key("forward").Strings(",") {
				from, to, err := parseRoute(r)
				if err != nil {
					return nil, fmt.Errorf("[%s] forward: %w", sec.Name(), err)
				}
				if _, err := sf.Route(from, to); err != nil {
					return nil, fmt.Errorf("[%s] forward: %w", sec.Name(), err)
				}
			}
			for _, b := range sec.Key("block").Strings(",") {
				bus, addr, wild, err := parseEntry(b)
				if err != nil || wild {
					return nil, fmt.Errorf("%w: [%s] block %q", ErrPolicy, sec.Name(), b)
				}
				sf.Block(bus, addr)
			}
			set.Forward = sf
		}
		out = append(out, set)
	}
	return out, nil
}

// ParseMode accepts a mode name ("honda") or number ("2", "0x02").
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m := ModeNone; m <= ModeTesla; m++ {
		if s == m.String() {
			return m, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return Mode(v), nil
}

func parseAllowList(items []string) (*AllowList, error) {
	al := NewAllowList()
	for _, it := range items {
		if it == "*" {
			al.AllowAny()
			continue
		}
		bus, addr, wild, err := parseEntry(it)
		if err != nil {
			return nil, err
		}
		if wild {
			al.AllowBus(bus)
			continue
		}
		al.Allow(bus, addr)
	}
	return al, nil
}

func parseEntry(s string) (bus uint8, addr uint32, wild bool, err error) {
	b, a, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: entry %q", ErrPolicy, s)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(b), 0, 8)
	if err != nil || v >= can.NumBuses {
		return 0, 0, false, fmt.Errorf("%w: bus in %q", ErrPolicy, s)
	}
	a = strings.TrimSpace(a)
	if a == "*" {
		return uint8(v), 0, true, nil
	}
	x, err := strconv.ParseUint(a, 0, 32)
	if err != nil || x > can.CAN_EFF_MASK {
		return 0, 0, false, fmt.Errorf("%w: address in %q", ErrPolicy, s)
	}
	return uint8(v), uint32(x), false, nil
}

func parseRoute(s string) (uint8, uint8, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: route %q", ErrPolicy, s)
	}
	from, err1 := strconv.ParseUint(strings.TrimSpace(a), 0, 8)
	to, err2 := strconv.ParseUint(strings.TrimSpace(b), 0, 8)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("%w: route %q", ErrPolicy, s)
	}
	return uint8(from), uint8(to), nil
}
