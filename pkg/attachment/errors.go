package attachment

import (
	"errors"
	"fmt"
)

// Sentinels matched by errors.Is against FetchError and ConversionError.
var (
	ErrUnreachable      = errors.New("attachment unreachable")
	ErrTooLarge         = errors.New("attachment too large")
	ErrExtractionFailed = errors.New("attachment text extraction failed")
	ErrUploadFailed     = errors.New("attachment upload failed")
)

// FetchKind classifies why a fetch failed.
type FetchKind int

const (
	Unreachable FetchKind = iota
	TooLarge
)

func (k FetchKind) String() string {
	if k == TooLarge {
		return "too large"
	}
	return "unreachable"
}

// FetchError is returned by Fetcher.Fetch.
type FetchError struct {
	Kind FetchKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrTooLarge:
		return e.Kind == TooLarge
	}
	return false
}

// ConversionKind classifies why a conversion failed.
type ConversionKind int

const (
	ExtractionFailed ConversionKind = iota
	UploadFailed
)

func (k ConversionKind) String() string {
	if k == UploadFailed {
		return "upload failed"
	}
	return "extraction failed"
}

// ConversionError is returned by Converter.Convert.
type ConversionError struct {
	Kind ConversionKind
	Name string
	MIME string
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s (%s): %s: %v", e.Name, e.MIME, e.Kind, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func (e *ConversionError) Is(target error) bool {
	switch target {
	case ErrExtractionFailed:
		return e.Kind == ExtractionFailed
	case ErrUploadFailed:
		return e.Kind == UploadFailed
	}
	return false
}
