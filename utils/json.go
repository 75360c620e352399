package utils

import (
	"encoding/json"
	"io"
)

// MarshalToJSON marshals input to a JSON string.
func MarshalToJSON[T any](input T) (string, error) {
	jsonData, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(jsonData), nil
}

// UnmarshalFromJSON decodes data into output. Empty data leaves output as is.
func UnmarshalFromJSON[T any](data []byte, output *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, output)
}

// WriteIndentedJSON pretty-prints input to w, one document per call.
func WriteIndentedJSON[T any](w io.Writer, input T) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(input)
}
