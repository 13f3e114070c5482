package model

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeTask     IDType = "task"
	IDTypeSession  IDType = "sess"
	IDTypeDispatch IDType = "disp"
	IDTypeResult   IDType = "res"
	IDTypeMessage  IDType = "msg"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:     true,
	IDTypeSession:  true,
	IDTypeDispatch: true,
	IDTypeResult:   true,
	IDTypeMessage:  true,
}

var idRegex = regexp.MustCompile(`^(task|sess|disp|res|msg)_[0-9a-f]{8}(-[0-9a-f]{4}){3}-[0-9a-f]{12}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	return fmt.Sprintf("%s_%s", idType, uuid.NewString()), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(id[:strings.IndexByte(id, '_')]), nil
}

// Sequence is a monotonic counter injected wherever insertion order matters
// (message ordering, history ordering in tests). Explicit injection keeps
// ordering deterministic under test instead of leaning on a package-level
// global.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next value, starting at 1.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}
