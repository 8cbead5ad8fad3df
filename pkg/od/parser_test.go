package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

func TestParseEDSVariableSection(t *testing.T) {
	file := ini.Empty()
	section, err := file.NewSection("1000")
	require.NoError(t, err)
	section.NewKey("ParameterName", "Device type")
	section.NewKey("DataType", "0x7")
	section.NewKey("AccessType", "ro")
	section.NewKey("DefaultValue", "0x12345678")

	dict, err := ParseEDS(file)
	require.NoError(t, err)

	entry := dict.Index(0x1000)
	require.NotNil(t, entry)
	assert.Equal(t, "Device type", entry.Variable.Name)
	assert.Equal(t, UNSIGNED32, entry.Variable.Datatype)
	assert.Equal(t, AccessRO, entry.Variable.Access)
	assert.EqualValues(t, 0x12345678, entry.Variable.Default)
}

func TestParseEDSRecordSections(t *testing.T) {
	file := ini.Empty()
	header, err := file.NewSection("1018")
	require.NoError(t, err)
	header.NewKey("ParameterName", "Identity object")
	header.NewKey("ObjectType", "0x9")
	header.NewKey("SubNumber", "0x4")

	sub1, err := file.NewSection("1018sub1")
	require.NoError(t, err)
	sub1.NewKey("ParameterName", "Vendor-ID")
	sub1.NewKey("DataType", "0x7")
	sub1.NewKey("AccessType", "ro")

	dict, err := ParseEDS(file)
	require.NoError(t, err)

	entry := dict.Index(0x1018)
	require.NotNil(t, entry)
	assert.Equal(t, KindRecord, entry.Kind)
	v, ok := entry.Record.Get(1)
	require.True(t, ok)
	assert.Equal(t, "Vendor-ID", v.Name)
}

func TestExportThenParseRoundTrip(t *testing.T) {
	dict := New()
	dict.AddVariable(0x2000, "counter", UNSIGNED16, AccessRW, uint64(7))

	file, err := ExportEDS(dict, "device.eds", "Acme")
	require.NoError(t, err)

	reparsed, err := ParseEDS(file)
	require.NoError(t, err)

	entry := reparsed.Index(0x2000)
	require.NotNil(t, entry)
	assert.Equal(t, "counter", entry.Variable.Name)
	assert.EqualValues(t, 7, entry.Variable.Default)
}
