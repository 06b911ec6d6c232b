package eventsaga

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/stephenfire/go-rtl"
)

// encodeStepOutput archives a successful action's output on the instance.
// A typed nil pointer carries no value to archive and is reported as an
// error rather than dereferenced.
func encodeStepOutput(output interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)

	// just get the real one
	if v := reflect.ValueOf(output); v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, fmt.Errorf("output is a nil %s", v.Type())
		}
		output = v.Elem().Interface()
	}

	if err := rtl.Encode(output, buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeStepOutput deserializes an archived step output into target, which
// must be a pointer to the output's concrete type.
func DecodeStepOutput(data []byte, target interface{}) error {
	if reflect.TypeOf(target).Kind() != reflect.Ptr {
		return fmt.Errorf("target must be a pointer")
	}

	buf := bytes.NewBuffer(data)
	if err := rtl.Decode(buf, target); err != nil {
		return err
	}
	return nil
}
