package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

// Parse binds urfave/cli flag values onto a config struct using `cli` tags.
// Nested public structs without a tag are descended into, which lets each
// subsystem declare its own Config and have the daemon assemble them from
// one flag set.
func Parse[A any](c *cli.Context) A {

	var cfg A

	var assign func(v interface{})
	assign = func(v interface{}) {
		val := reflect.ValueOf(v).Elem()

		for i := 0; i < val.NumField(); i++ {
			field := val.Field(i)
			fieldType := val.Type().Field(i)

			tag := fieldType.Tag.Get("cli")

			if tag == "" && field.Kind() == reflect.Struct {
				if field.Addr().CanInterface() {
					assign(field.Addr().Interface())
				}
				continue
			}

			if tag == "" {
				continue
			}

			if field.Type() == reflect.TypeOf(time.Duration(0)) {
				field.Set(reflect.ValueOf(c.Duration(tag)))
				continue
			}

			switch field.Kind() {
			case reflect.String:
				field.SetString(c.String(tag))
			case reflect.Int:
				field.SetInt(int64(c.Int(tag)))
			case reflect.Int64:
				field.SetInt(c.Int64(tag))
			case reflect.Uint:
				field.SetUint(uint64(c.Uint(tag)))
			case reflect.Uint64:
				field.SetUint(c.Uint64(tag))
			case reflect.Bool:
				field.SetBool(c.Bool(tag))
			case reflect.Float64:
				field.SetFloat(c.Float64(tag))
			case reflect.Slice:
				switch field.Type() {
				case reflect.TypeOf([]string{}):
					field.Set(reflect.ValueOf(c.StringSlice(tag)))
				case reflect.TypeOf([]int{}):
					field.Set(reflect.ValueOf(c.IntSlice(tag)))
				case reflect.TypeOf([]int64{}):
					field.Set(reflect.ValueOf(c.Int64Slice(tag)))
				case reflect.TypeOf([]float64{}):
					field.Set(reflect.ValueOf(c.Float64Slice(tag)))
				}
			}
		}
	}
	assign(&cfg)

	return cfg
}
