package stringutil

import "fmt"

const (
	sampleThreshold = 100
	sampleEdge      = 50
)

// SampleLong shortens user input that's reflected into logs, like request
// paths and announcement keys, by keeping some runes from the beginning and
// some from the end. Strings of up to 100 runes are returned as is.
func SampleLong(s string) string {
	runes := []rune(s)
	if len(runes) <= sampleThreshold {
		return s
	}

	return fmt.Sprintf("%s ... [TRUNCATED; total_length: %v characters] ... %s",
		string(runes[:sampleEdge]), len(runes), string(runes[len(runes)-sampleEdge:]))
}
