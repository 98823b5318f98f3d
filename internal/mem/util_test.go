package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLock(t *testing.T) {
	level, err := Lock()
	if err != nil {
		t.Skipf("memory locking unavailable: %v", err)
	}
	assert.Contains(t, []ProtectionLevel{ProtectionPartial, ProtectionFull}, level)
	assert.NotEqual(t, "none", level.String())
	assert.NoError(t, Unlock())
}
