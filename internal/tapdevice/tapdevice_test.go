package tapdevice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShortIDFitsMaxNameLenBudget(t *testing.T) {
	id := ShortID(123456789012345)
	require.LessOrEqual(t, len(id), 11)
	require.LessOrEqual(t, len("tap-"+id), maxNameLen)
}

func TestShortIDDistinctForDistinctTasks(t *testing.T) {
	require.NotEqual(t, ShortID(1), ShortID(2))
}

func TestCreateRejectsOverlongName(t *testing.T) {
	_, err := Create("this-name-is-way-too-long-for-ifnamsiz")
	require.Error(t, err)
}
