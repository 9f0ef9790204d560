package zookeeper

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceOf_OrdersProtectedNodesBySequence(t *testing.T) {
	children := []string{
		"_c_ffff-lock-0000000012",
		"_c_0000-lock-0000000013",
		"_c_aaaa-lock-0000000007",
	}
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})

	assert.Equal(t, "_c_aaaa-lock-0000000007", children[0])
	assert.Equal(t, "_c_0000-lock-0000000013", children[2])
}

func TestSequenceOf_ShortName(t *testing.T) {
	assert.Equal(t, "lock", sequenceOf("lock"))
}
