package control

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/link"
	"github.com/frobware/go-wblink/radiotap"
)

// Radiotap parameter field names on the wire.
const (
	FieldChannelWidth = "channel_width_mhz"
	FieldMCS          = "mcs_index"
	FieldShortGI      = "short_gi"
	FieldSTBC         = "stbc"
	FieldLDPC         = "ldpc"
	FieldNoAck        = "no_ack"
)

func paramsToStruct(p radiotap.Params) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		FieldChannelWidth: p.ChannelWidthMHz,
		FieldMCS:          p.MCSIndex,
		FieldShortGI:      p.ShortGuardInterval,
		FieldSTBC:         p.STBC,
		FieldLDPC:         p.LDPC,
		FieldNoAck:        p.NoAck,
	})
}

// ParamsFromStruct decodes a full parameter set.
func ParamsFromStruct(s *structpb.Struct) (radiotap.Params, error) {
	var p radiotap.Params
	apply, err := patchFromStruct(s)
	if err != nil {
		return p, err
	}
	apply(&p)
	return p, nil
}

// patchFromStruct validates the types of the fields present in s and
// returns a function applying them. Absent fields are left alone.
func patchFromStruct(s *structpb.Struct) (func(*radiotap.Params), error) {
	var fns []func(*radiotap.Params)
	for name, v := range s.GetFields() {
		switch name {
		case FieldChannelWidth, FieldMCS:
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok || n.NumberValue != float64(int(n.NumberValue)) {
				return nil, &wblink.ConfigError{Field: name, Value: v.AsInterface(), Reason: "must be an integer"}
			}
			i := int(n.NumberValue)
			if name == FieldMCS {
				fns = append(fns, func(p *radiotap.Params) { p.MCSIndex = i })
			} else {
				fns = append(fns, func(p *radiotap.Params) { p.ChannelWidthMHz = i })
			}
		case FieldShortGI, FieldSTBC, FieldLDPC, FieldNoAck:
			b, ok := v.GetKind().(*structpb.Value_BoolValue)
			if !ok {
				return nil, &wblink.ConfigError{Field: name, Value: v.AsInterface(), Reason: "must be a boolean"}
			}
			val := b.BoolValue
			switch name {
			case FieldShortGI:
				fns = append(fns, func(p *radiotap.Params) { p.ShortGuardInterval = val })
			case FieldSTBC:
				fns = append(fns, func(p *radiotap.Params) { p.STBC = val })
			case FieldLDPC:
				fns = append(fns, func(p *radiotap.Params) { p.LDPC = val })
			case FieldNoAck:
				fns = append(fns, func(p *radiotap.Params) { p.NoAck = val })
			}
		default:
			return nil, &wblink.ConfigError{Field: name, Reason: "unknown radiotap parameter"}
		}
	}
	return func(p *radiotap.Params) {
		for _, fn := range fns {
			fn(p)
		}
	}, nil
}

// statsToStruct renders stats through their JSON form so that the
// field names match the JSON tags.
func statsToStruct(s link.Stats) (*structpb.Struct, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}
	return out, nil
}
