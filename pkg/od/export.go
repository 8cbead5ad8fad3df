package od

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/ini.v1"
)

// ExportEDS serializes od to an INI-style EDS document
// (spec.md §6): [FileInfo], [DeviceInfo], catalog sections
// [MandatoryObjects]/[OptionalObjects]/[ManufacturerObjects], and one
// section per object entry, grounded on the teacher's
// pkg/od/export.go and extended with durand's eds.py catalog grouping
// that the teacher's exporter omits.
func ExportEDS(od *ObjectDictionary, fileName, deviceName string) (*ini.File, error) {
	file := ini.Empty()

	fileInfo, err := file.NewSection("FileInfo")
	if err != nil {
		return nil, err
	}
	fileInfo.NewKey("FileName", fileName)
	fileInfo.NewKey("EDSVersion", "4.0")

	deviceInfo, err := file.NewSection("DeviceInfo")
	if err != nil {
		return nil, err
	}
	deviceInfo.NewKey("VendorName", deviceName)

	indexes := make([]int, 0, len(od.entries))
	for index := range od.entries {
		indexes = append(indexes, int(index))
	}
	sort.Ints(indexes)

	mandatory, optional, manufacturer := []string{}, []string{}, []string{}

	for _, idx := range indexes {
		index := uint16(idx)
		entry := od.entries[index]
		key := strconv.FormatUint(uint64(index), 16)

		switch {
		case index == 0x1000 || index == 0x1001 || index == 0x1018:
			mandatory = append(mandatory, key)
		case index < 0x2000 || index >= 0x6000:
			optional = append(optional, key)
		default:
			manufacturer = append(manufacturer, key)
		}

		if err := populateEntry(file, key, entry); err != nil {
			return nil, fmt.Errorf("od: error exporting index x%x: %w", index, err)
		}
	}

	if err := populateCatalog(file, "MandatoryObjects", mandatory); err != nil {
		return nil, err
	}
	if err := populateCatalog(file, "OptionalObjects", optional); err != nil {
		return nil, err
	}
	if err := populateCatalog(file, "ManufacturerObjects", manufacturer); err != nil {
		return nil, err
	}

	return file, nil
}

func populateCatalog(file *ini.File, name string, keys []string) error {
	section, err := file.NewSection(name)
	if err != nil {
		return err
	}
	section.NewKey("SupportedObjects", strconv.Itoa(len(keys)))
	for i, key := range keys {
		section.NewKey(strconv.Itoa(i+1), "0x"+key)
	}
	return nil
}

func populateEntry(file *ini.File, key string, entry *Entry) error {
	if entry.Kind == KindVariable {
		section, err := file.NewSection(key)
		if err != nil {
			return err
		}
		return populateVariable(section, entry.Index, entry.Variable, ObjectTypeVAR)
	}

	objectType := ObjectTypeRECORD
	if entry.Kind == KindArray {
		objectType = ObjectTypeARRAY
	}
	header, err := file.NewSection(key)
	if err != nil {
		return err
	}
	header.NewKey("ParameterName", entry.Name)
	header.NewKey("ObjectType", "0x"+strconv.FormatUint(uint64(objectType), 16))
	header.NewKey("SubNumber", "0x"+strconv.FormatUint(uint64(entry.SubCount()-1), 16))

	var subs []uint8
	if entry.Kind == KindRecord {
		subs = entry.Record.SubIndices()
	} else {
		subs = entry.Array.SubIndices()
	}
	for _, sub := range subs {
		variable, _ := entry.resolve(sub)
		subSection, err := file.NewSection(key + "sub" + strconv.FormatUint(uint64(sub), 16))
		if err != nil {
			return err
		}
		if err := populateVariable(subSection, entry.Index, variable, ObjectTypeVAR); err != nil {
			return err
		}
	}
	return nil
}

func populateVariable(section *ini.Section, index uint16, variable *Variable, objectType uint8) error {
	section.NewKey("ParameterName", variable.Name)
	section.NewKey("ObjectType", "0x"+strconv.FormatUint(uint64(objectType), 16))
	section.NewKey("DataType", "0x"+strconv.FormatUint(uint64(variable.Datatype), 16))
	section.NewKey("AccessType", accessTypeString(variable.Access))

	pdoMapping := "1"
	if index >= AreaCommunicationProfileStart && index <= AreaCommunicationProfileEnd {
		pdoMapping = "0"
	}
	section.NewKey("PDOMapping", pdoMapping)

	if variable.Default != nil {
		section.NewKey("DefaultValue", fmt.Sprintf("%v", variable.Default))
	}
	if variable.Min != nil {
		section.NewKey("LowLimit", fmt.Sprintf("%v", variable.Min))
	}
	if variable.Max != nil {
		section.NewKey("HighLimit", fmt.Sprintf("%v", variable.Max))
	}
	return nil
}

func accessTypeString(a Access) string {
	switch a {
	case AccessRW:
		return "rw"
	case AccessRO:
		return "ro"
	case AccessWO:
		return "wo"
	case AccessConst:
		return "const"
	default:
		return "ro"
	}
}

// Standard CANopen object areas, used to decide PDOMapping in the EDS
// export above.
const (
	AreaCommunicationProfileStart uint16 = 0x1000
	AreaCommunicationProfileEnd   uint16 = 0x1FFF
)
