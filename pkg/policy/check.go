package policy

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/rzbill/corral/pkg/types"
)

// DecodeSpec decodes a raw properties map into out. Keys follow the json
// tags of out; unknown keys are rejected.
func DecodeSpec(raw interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return types.WrapValidationError(err, "invalid policy properties")
	}
	return nil
}

// SpecMap returns the nested map under key, creating it when absent.
func SpecMap(spec map[string]interface{}, key string) map[string]interface{} {
	if m, ok := spec[key].(map[string]interface{}); ok {
		return m
	}
	m := map[string]interface{}{}
	spec[key] = m
	return m
}

// SetDefault sets key in m when it is absent or nil.
func SetDefault(m map[string]interface{}, key string, value interface{}) {
	if v, ok := m[key]; !ok || v == nil {
		m[key] = value
	}
}

// PolicyFailed reports whether a hook left the action in CHECK_ERROR.
func PolicyFailed(action *types.Action) bool {
	return action.Data != nil && action.Data.CheckStatus() == types.CheckError
}
