package zarr

import "fmt"

// UnsupportedTypeError is returned for data types, codecs or layouts this
// package cannot decode into samples.
type UnsupportedTypeError struct {
	Dtype  string
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported data type %q", e.Dtype)
	}
	return fmt.Sprintf("unsupported data type %q: %s", e.Dtype, e.Reason)
}
