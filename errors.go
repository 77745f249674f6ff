package agency

// An InvalidArgumentError represents an invalid value passed to a command line
// argument.
type InvalidArgumentError struct {
	flag, value string
}

// NewInvalidArgumentError returns an InvalidArgumentError for flag. An empty
// value reports the argument as missing.
func NewInvalidArgumentError(flag, value string) InvalidArgumentError {
	return InvalidArgumentError{flag: flag, value: value}
}

func (e InvalidArgumentError) Error() string {
	if e.value == "" {
		return "missing value for argument '--" + e.flag + "'"
	}
	return "invalid value '" + e.value + "' for argument '" + e.flag + "'"
}
