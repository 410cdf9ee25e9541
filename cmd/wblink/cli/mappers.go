package cli

import (
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-wblink"
)

// keyValueMapper creates a Kong mapper for KeyValue.
func keyValueMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("key=value", &s); err != nil {
			return err
		}
		kv, err := ParseKeyValue(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(kv))
		return nil
	}
}

// portMapper creates a Kong mapper for wblink.RadioPort.
func portMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("port", &s); err != nil {
			return err
		}
		p, err := wblink.ParseRadioPort(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(p))
		return nil
	}
}
