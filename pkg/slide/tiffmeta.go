package slide

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// TIFF tags read for slide metadata
const (
	tagImageDescription = 270
	tagXResolution      = 282
	tagYResolution      = 283
	tagResolutionUnit   = 296
)

// ReadTIFFProperties extracts magnification and microns per pixel from the
// first IFD of a classic TIFF. An Aperio ImageDescription
// ("... |AppMag = 20|MPP = 0.4990|...") wins over the resolution tags.
func ReadTIFFProperties(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	header := make([]byte, 8)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, err
	}

	var byteOrder binary.ByteOrder
	if header[0] == 'I' && header[1] == 'I' {
		byteOrder = binary.LittleEndian
	} else if header[0] == 'M' && header[1] == 'M' {
		byteOrder = binary.BigEndian
	} else {
		return nil, fmt.Errorf("not a valid TIFF file")
	}
	if byteOrder.Uint16(header[2:4]) != 42 {
		return nil, fmt.Errorf("only classic TIFF metadata is supported")
	}

	ifdOffset := byteOrder.Uint32(header[4:8])
	if _, err := file.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return nil, err
	}

	var numEntries uint16
	if err := binary.Read(file, byteOrder, &numEntries); err != nil {
		return nil, err
	}

	var description string
	var xRes, yRes float64
	var resUnit uint16 = 2 // inches unless stated

	entries := make([]byte, 12*int(numEntries))
	if _, err := io.ReadFull(file, entries); err != nil {
		return nil, err
	}
	for i := 0; i < int(numEntries); i++ {
		entry := entries[i*12 : (i+1)*12]
		tag := byteOrder.Uint16(entry[0:2])
		fieldType := byteOrder.Uint16(entry[2:4])
		count := byteOrder.Uint32(entry[4:8])

		switch tag {
		case tagImageDescription:
			if fieldType == 2 {
				description = readTIFFASCII(file, entry[8:12], count, byteOrder)
			}
		case tagXResolution:
			if fieldType == 5 {
				xRes = readTIFFRational(file, int64(byteOrder.Uint32(entry[8:12])), byteOrder)
			}
		case tagYResolution:
			if fieldType == 5 {
				yRes = readTIFFRational(file, int64(byteOrder.Uint32(entry[8:12])), byteOrder)
			}
		case tagResolutionUnit:
			if fieldType == 3 {
				resUnit = byteOrder.Uint16(entry[8:10])
			}
		}
	}

	props := ParseAperioDescription(description)
	if _, ok := props[PropertyMPPX]; !ok {
		if mpp := micronsPerPixel(xRes, resUnit); mpp > 0 {
			props[PropertyMPPX] = formatFloat(mpp)
		}
		if mpp := micronsPerPixel(yRes, resUnit); mpp > 0 {
			props[PropertyMPPY] = formatFloat(mpp)
		}
	}
	return props, nil
}

// ParseAperioDescription reads AppMag and MPP from a pipe separated Aperio description
func ParseAperioDescription(description string) map[string]string {
	props := map[string]string{}
	if !strings.HasPrefix(description, "Aperio") {
		return props
	}
	for _, field := range strings.Split(description, "|") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			continue
		}
		switch key {
		case "AppMag":
			props[PropertyObjectivePower] = value
		case "MPP":
			props[PropertyMPPX] = value
			props[PropertyMPPY] = value
		}
	}
	return props
}

// AperioDescription renders properties in the Aperio ImageDescription layout
func AperioDescription(width, height int, magnification, mpp string) string {
	desc := fmt.Sprintf("Aperio Image Library v12.4.0\n%dx%d", width, height)
	if magnification != "" {
		desc += " |AppMag = " + magnification
	}
	if mpp != "" {
		desc += " |MPP = " + mpp
	}
	return desc
}

// micronsPerPixel converts a TIFF resolution (pixels per unit) to microns per pixel
func micronsPerPixel(res float64, unit uint16) float64 {
	if res <= 0 {
		return 0
	}
	switch unit {
	case 3: // centimeter
		return 10000 / res
	case 2: // inch
		return 25400 / res
	default:
		return 0
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// maxDescriptionBytes bounds the ImageDescription read from a slide header
const maxDescriptionBytes = 1 << 20

// readTIFFASCII reads an ASCII value that is either inline or at an offset
func readTIFFASCII(file *os.File, value []byte, count uint32, byteOrder binary.ByteOrder) string {
	var data []byte
	if count <= 4 {
		data = append(data, value[:count]...)
	} else {
		offset := int64(byteOrder.Uint32(value))
		if count > maxDescriptionBytes {
			return ""
		}
		if info, err := file.Stat(); err != nil || offset+int64(count) > info.Size() {
			return ""
		}
		data = make([]byte, count)
		if _, err := file.ReadAt(data, offset); err != nil {
			return ""
		}
	}
	return strings.TrimRight(string(data), "\x00")
}

// readTIFFRational reads a RATIONAL value (two uint32s) at offset
func readTIFFRational(file *os.File, offset int64, byteOrder binary.ByteOrder) float64 {
	buf := make([]byte, 8)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return 0
	}
	num := byteOrder.Uint32(buf[0:4])
	denom := byteOrder.Uint32(buf[4:8])
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}
