package initshim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReap_NoArgsIsError(t *testing.T) {
	err := Reap(nil, nil)
	assert.Error(t, err)
}
