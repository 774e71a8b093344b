package decode

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Options customises Decode behaviour.
type Options struct {
	// WeaklyTypedInput (default true) tolerates looser client encodings,
	// e.g. "123" -> int64, 1.0 -> int64.
	WeaklyTypedInput bool
}

func DefaultOptions() Options {
	return Options{WeaklyTypedInput: true}
}

// Map decodes a generic JSON object into a typed payload struct T.
// Field mapping uses the `json` tag. This is the validation boundary for
// client-supplied event payloads: handlers only ever see typed values.
func Map[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, errors.New("payload is nil")
	}

	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build decoder")
	}
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	return &out, nil
}
