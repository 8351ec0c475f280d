package nt

import (
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// DefaultIdentity mints an identity string for a process that didn't
// configure one explicitly. It is only ever exchanged on a 0x0300 handshake,
// and is a short, unique, human-glanceable token rather than a raw UUID.
func DefaultIdentity(prefix string) string {
	id, err := uuid.NewV4()
	if err != nil {
		return prefix
	}
	return fmt.Sprintf("%s-%s", prefix, id.String()[:8])
}
