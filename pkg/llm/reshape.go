package llm

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// reshapeJSON bends decoded model output toward the shape of target, the
// type DecodeJSON will unmarshal into. Small models get the values right
// but the shapes wrong in a few recurring ways:
//
//   - a list of labels where one label was asked for: ["Albert", "Einstein"]
//   - a bare number or bool where a string was asked for: {"object": 1879}
//   - a single triple where a list of triples was asked for
//   - a one-element list where a single object was asked for
//
// Each fix is recorded as a JSON path so the caller can log what changed.
// Values whose shape already fits, and fields target does not declare,
// pass through untouched.
func reshapeJSON(data []byte, target reflect.Type) ([]byte, []string, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse model output: %w", err)
	}

	var fixes []string
	doc = reshapeValue(doc, target, "$", &fixes)

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode reshaped output: %w", err)
	}
	return out, fixes, nil
}

func reshapeValue(v any, t reflect.Type, path string, fixes *[]string) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		switch val := v.(type) {
		case []any:
			if labels, ok := stringList(val); ok {
				*fixes = append(*fixes, path+": joined list")
				return strings.Join(labels, ", ")
			}
		case float64:
			*fixes = append(*fixes, path+": number to string")
			return strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			*fixes = append(*fixes, path+": bool to string")
			return strconv.FormatBool(val)
		}
		return v

	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return v
		}
		list, ok := v.([]any)
		if !ok {
			if v == nil {
				return v
			}
			*fixes = append(*fixes, path+": wrapped in list")
			list = []any{v}
		}
		for i := range list {
			list[i] = reshapeValue(list[i], t.Elem(), path+"["+strconv.Itoa(i)+"]", fixes)
		}
		return list

	case reflect.Struct:
		if list, ok := v.([]any); ok && len(list) == 1 {
			if _, isObj := list[0].(map[string]any); isObj {
				*fixes = append(*fixes, path+": unwrapped single-element list")
				v = list[0]
			}
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return v
		}
		fields := jsonFields(t)
		for key, val := range obj {
			ft, ok := lookupField(fields, key)
			if !ok {
				continue
			}
			obj[key] = reshapeValue(val, ft, path+"."+key, fixes)
		}
		return obj

	case reflect.Map:
		obj, ok := v.(map[string]any)
		if !ok || t.Key().Kind() != reflect.String {
			return v
		}
		for key, val := range obj {
			obj[key] = reshapeValue(val, t.Elem(), path+"."+key, fixes)
		}
		return obj
	}
	return v
}

func stringList(list []any) ([]string, bool) {
	if len(list) == 0 {
		return nil, false
	}
	labels := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		labels[i] = s
	}
	return labels, true
}

// jsonFields maps the JSON names of t's exported fields to their types,
// flattening embedded structs the way encoding/json does.
func jsonFields(t reflect.Type) map[string]reflect.Type {
	fields := make(map[string]reflect.Type, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" {
			et := f.Type
			if et.Kind() == reflect.Pointer {
				et = et.Elem()
			}
			if et.Kind() == reflect.Struct {
				for k, v := range jsonFields(et) {
					if _, ok := fields[k]; !ok {
						fields[k] = v
					}
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fields[name] = f.Type
	}
	return fields
}

// lookupField matches key exactly first, then case-insensitively, as
// json.Unmarshal does.
func lookupField(fields map[string]reflect.Type, key string) (reflect.Type, bool) {
	if ft, ok := fields[key]; ok {
		return ft, true
	}
	for name, ft := range fields {
		if strings.EqualFold(name, key) {
			return ft, true
		}
	}
	return nil, false
}
