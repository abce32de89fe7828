package lua

import (
	"fmt"
	"reflect"
	"sort"

	glua "github.com/yuin/gopher-lua"
)

// ToLValue converts a Go value to a Lua value. Slices become sequences,
// string-keyed maps and structs with exported fields become tables, and
// anything else is rendered with fmt.
func ToLValue(L *glua.LState, v any) glua.LValue {
	switch x := v.(type) {
	case nil:
		return glua.LNil
	case glua.LValue:
		return x
	case bool:
		return glua.LBool(x)
	case string:
		return glua.LString(x)
	case fmt.Stringer:
		return glua.LString(x.String())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return glua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return glua.LNumber(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return glua.LNumber(rv.Float())
	case reflect.String:
		return glua.LString(rv.String())
	case reflect.Slice, reflect.Array:
		t := L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.Append(ToLValue(L, rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		t := L.NewTable()
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			t.RawSetString(k.String(), ToLValue(L, rv.MapIndex(k).Interface()))
		}
		return t
	case reflect.Struct:
		t := L.NewTable()
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			t.RawSetString(f.Name, ToLValue(L, rv.Field(i).Interface()))
		}
		return t
	case reflect.Pointer:
		if rv.IsNil() {
			return glua.LNil
		}
		return ToLValue(L, rv.Elem().Interface())
	}
	return glua.LString(fmt.Sprint(v))
}
