package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupRegisteredAndUnregistered(t *testing.T) {
	dict := New()
	entry, err := dict.AddVariable(0x2000, "test var", UNSIGNED16, AccessRW, nil)
	require.NoError(t, err)
	require.NotNil(t, entry)

	v, err := dict.Lookup(0x2000, 0)
	require.NoError(t, err)
	assert.Equal(t, UNSIGNED16, v.Datatype)

	_, err = dict.Lookup(0x2001, 0)
	assert.ErrorIs(t, err, ErrIdxNotExist)

	record := NewRecord("rec")
	sub1, _ := NewVariable("sub1", UNSIGNED8, AccessRW, nil, 1, nil, nil)
	record.AddSubObject(1, sub1)
	dict.AddRecord(0x2100, "rec", record)

	_, err = dict.Lookup(0x2100, 5)
	assert.ErrorIs(t, err, ErrSubNotExist)
	_, err = dict.Lookup(0x2100, 1)
	assert.NoError(t, err)
}

func TestWriteCallbackOrdering(t *testing.T) {
	dict := New()
	entry, _ := dict.AddVariable(0x2000, "v", UNSIGNED16, AccessRW, nil)

	var order []string
	entry.OnValidate(0, func(value any) error {
		order = append(order, "validate")
		return nil
	})
	entry.OnUpdate(0, func(value any) error {
		order = append(order, "update")
		return nil
	})
	entry.OnDownload(0, func(value any) error {
		order = append(order, "download")
		return nil
	})

	require.NoError(t, dict.Write(0x2000, 0, uint64(5), true))
	assert.Equal(t, []string{"validate", "update", "download"}, order)

	order = nil
	require.NoError(t, dict.Write(0x2000, 0, uint64(6), false))
	assert.Equal(t, []string{"validate", "update"}, order)
}

func TestValidateFailureAbortsWriteAndDownload(t *testing.T) {
	dict := New()
	entry, _ := dict.AddVariable(0x2000, "v", UNSIGNED16, AccessRW, uint64(1))

	updated := false
	entry.OnValidate(0, func(value any) error { return ErrInvalidValue })
	entry.OnUpdate(0, func(value any) error {
		updated = true
		return nil
	})

	err := dict.Write(0x2000, 0, uint64(42), true)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.False(t, updated)

	value, err := dict.Read(0x2000, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, value)
}

func TestReadMaterializesDefault(t *testing.T) {
	dict := New()
	dict.AddVariable(0x2000, "v", UNSIGNED16, AccessRW, nil)
	value, err := dict.Read(0x2000, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, value)
}

func TestAddPDOExposesWritableMappedObjectCount(t *testing.T) {
	dict := New()
	dict.AddTPDO(1)

	entry := dict.Index(EntryTPDOMappingStart)
	require.NotNil(t, entry)

	count, err := entry.Uint8(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count, "mapping starts with zero active entries even though 8 slots exist")

	require.NoError(t, entry.Write(0, uint64(2), true))
	count, err = entry.Uint8(0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "sub-index 0 is a real stored value, not the populated-slot count")
}

func TestReadOverride(t *testing.T) {
	dict := New()
	entry, _ := dict.AddVariable(0x2000, "v", UNSIGNED16, AccessRW, nil)
	entry.SetReadOverride(0, func() (any, error) { return uint64(77), nil })

	value, err := dict.Read(0x2000, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 77, value)
}
