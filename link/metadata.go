package link

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// metadataStruct converts advertisement metadata into a structpb.Struct so it
// can be rendered with protojson. Values structpb cannot hold are stringified.
func metadataStruct(md map[string]interface{}) *structpb.Struct {
	fields := make(map[string]interface{}, len(md))
	for k, v := range md {
		fields[k] = normalizeValue(v)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"error": structpb.NewStringValue(err.Error()),
		}}
	}
	return s
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeValue(e)
		}
		return out
	case *int:
		if t == nil {
			return nil
		}
		return *t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
