package od

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// ParseEDS builds an ObjectDictionary from an INI-style EDS document,
// grounded on the teacher's pkg/od/parser.go ini-based ingestion. Only
// the sections this module's services need (object entries keyed by
// hex index, optionally with "sub" sections) are interpreted;
// [FileInfo]/[DeviceInfo]/catalog sections are informational and
// skipped.
func ParseEDS(file *ini.File) (*ObjectDictionary, error) {
	od := New()

	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || isMetaSection(name) || strings.Contains(name, "sub") {
			continue
		}
		index, err := strconv.ParseUint(name, 16, 16)
		if err != nil {
			continue // not an object index section
		}

		subNumber := section.Key("SubNumber").String()
		if subNumber == "" {
			variable, err := parseVariableSection(section)
			if err != nil {
				return nil, fmt.Errorf("od: parsing index x%s: %w", name, err)
			}
			od.Insert(NewVariableEntry(uint16(index), variable))
			continue
		}

		objectType := section.Key("ObjectType").String()
		entryName := section.Key("ParameterName").String()
		if objectType == "0x8" {
			array, err := parseArraySections(file, name, entryName)
			if err != nil {
				return nil, err
			}
			od.Insert(NewArrayEntry(uint16(index), entryName, array))
		} else {
			record, err := parseRecordSections(file, name, entryName)
			if err != nil {
				return nil, err
			}
			od.Insert(NewRecordEntry(uint16(index), entryName, record))
		}
	}
	return od, nil
}

func isMetaSection(name string) bool {
	switch name {
	case "FileInfo", "DeviceInfo", "Comments", "MandatoryObjects", "OptionalObjects", "ManufacturerObjects":
		return true
	default:
		return false
	}
}

func parseRecordSections(file *ini.File, indexHex, name string) (*Record, error) {
	record := NewRecord(name)
	for _, section := range file.Sections() {
		prefix := indexHex + "sub"
		if !strings.HasPrefix(section.Name(), prefix) {
			continue
		}
		subHex := strings.TrimPrefix(section.Name(), prefix)
		sub, err := strconv.ParseUint(subHex, 16, 8)
		if err != nil || sub == 0 {
			continue
		}
		variable, err := parseVariableSection(section)
		if err != nil {
			return nil, err
		}
		record.AddSubObject(uint8(sub), variable)
	}
	return record, nil
}

func parseArraySections(file *ini.File, indexHex, name string) (*Array, error) {
	record, err := parseRecordSections(file, indexHex, name)
	if err != nil {
		return nil, err
	}
	subs := record.SubIndices()
	if len(subs) == 0 {
		return NewArray(name, nil, 0, false), nil
	}
	template, _ := record.Get(subs[0])
	return NewArray(name, template, uint8(len(subs)), false), nil
}

func parseVariableSection(section *ini.Section) (*Variable, error) {
	name := section.Key("ParameterName").String()

	dtRaw, err := section.Key("DataType").Uint64()
	var dt Datatype
	if err == nil {
		dt = Datatype(dtRaw)
	} else {
		dt = UNSIGNED32
	}

	access := parseAccessType(section.Key("AccessType").String())

	var def any
	if raw := section.Key("DefaultValue").String(); raw != "" {
		def = parseDefaultValue(raw, dt)
	}

	return NewVariable(name, dt, access, def, 1, nil, nil)
}

func parseAccessType(raw string) Access {
	switch strings.ToLower(raw) {
	case "ro":
		return AccessRO
	case "wo":
		return AccessWO
	case "const":
		return AccessConst
	default:
		return AccessRW
	}
}

func parseDefaultValue(raw string, dt Datatype) any {
	raw = strings.TrimSpace(raw)
	if !dt.IsNumeric() {
		return []byte(raw)
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		base = 16
		raw = raw[2:]
	}
	value, err := strconv.ParseUint(raw, base, 64)
	if err != nil {
		return nil
	}
	return value
}
