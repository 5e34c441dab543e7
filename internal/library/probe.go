package library

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"
)

// Info is what a probe learns about an audio file.
type Info struct {
	Format      string // file extension without the dot
	Bitrate     int    // kbit/s, 0 when unknown
	DurationMs  int64
	AudioOffset int64 // first byte after any ID3v2 tag
	Title       string
	Artist      string
}

// MPEG audio version/layer/bitrate lookup tables (ISO 11172-3 / 13818-3).
var bitrateTable = [2][3][16]int{
	// MPEG-1
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	},
	// MPEG-2 / MPEG-2.5
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	},
}

var sampleRateTable = [3][4]int{
	{44100, 48000, 32000, 0}, // MPEG-1
	{22050, 24000, 16000, 0}, // MPEG-2
	{11025, 12000, 8000, 0},  // MPEG-2.5
}

var audioExts = map[string]bool{
	".mp3": true, ".m4a": true, ".ogg": true, ".opus": true, ".flac": true, ".webm": true,
}

// IsAudioFile reports whether the library indexes files with this name.
func IsAudioFile(path string) bool {
	return audioExts[strings.ToLower(filepath.Ext(path))]
}

// Probe reads the tag and first frame of an audio file. Non-MP3 formats
// only get their format and tag-free offset; bitrate stays unknown.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	info := Info{Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")}

	var header [10]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return Info{}, fmt.Errorf("read header: %w", err)
	}
	if string(header[:3]) == "ID3" {
		// Synchsafe integer (4 bytes, 7 bits each)
		tagSize := int64(header[6])<<21 | int64(header[7])<<14 | int64(header[8])<<7 | int64(header[9])
		info.AudioOffset = 10 + tagSize
		if header[3] >= 3 && tagSize > 0 && tagSize < 1<<20 {
			tag := make([]byte, tagSize)
			if _, err := io.ReadFull(f, tag); err == nil {
				info.Title, info.Artist = readID3Text(tag, header[3])
			}
		}
	}

	if info.Format != "mp3" {
		return info, nil
	}

	if _, err := f.Seek(info.AudioOffset, io.SeekStart); err != nil {
		return Info{}, err
	}
	buf := make([]byte, 8192)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return Info{}, err
	}
	buf = buf[:n]

	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] != 0xFF || buf[i+1]&0xE0 != 0xE0 {
			continue
		}
		bitrate, ok := parseFrameHeader(binary.BigEndian.Uint32(buf[i : i+4]))
		if !ok {
			continue
		}
		info.Bitrate = bitrate
		audioSize := stat.Size() - info.AudioOffset
		info.DurationMs = audioSize * 8 / int64(bitrate)
		return info, nil
	}
	return info, fmt.Errorf("no valid MPEG frame found")
}

// parseFrameHeader returns the bitrate in kbit/s of a valid MPEG frame header.
func parseFrameHeader(hdr uint32) (int, bool) {
	versionBits := (hdr >> 19) & 0x03
	layerBits := (hdr >> 17) & 0x03
	bitrateIdx := (hdr >> 12) & 0x0F
	sampleIdx := (hdr >> 10) & 0x03
	if bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 {
		return 0, false
	}

	// version bits: 0=2.5, 1=reserved, 2=2, 3=1
	var versionIdx, sampleVersion int
	switch versionBits {
	case 3:
		versionIdx, sampleVersion = 0, 0
	case 2:
		versionIdx, sampleVersion = 1, 1
	case 0:
		versionIdx, sampleVersion = 1, 2
	default:
		return 0, false
	}

	// layer bits: 1=III, 2=II, 3=I
	var layerIdx int
	switch layerBits {
	case 3:
		layerIdx = 0
	case 2:
		layerIdx = 1
	case 1:
		layerIdx = 2
	default:
		return 0, false
	}

	bitrate := bitrateTable[versionIdx][layerIdx][bitrateIdx]
	if bitrate == 0 || sampleRateTable[sampleVersion][sampleIdx] == 0 {
		return 0, false
	}
	return bitrate, true
}

// readID3Text pulls TIT2 and TPE1 out of an ID3v2.3/2.4 tag body.
func readID3Text(tag []byte, version byte) (title, artist string) {
	for i := 0; i+10 <= len(tag); {
		id := string(tag[i : i+4])
		if id[0] == 0 {
			break
		}
		var size int
		if version >= 4 {
			size = int(tag[i+4])<<21 | int(tag[i+5])<<14 | int(tag[i+6])<<7 | int(tag[i+7])
		} else {
			size = int(binary.BigEndian.Uint32(tag[i+4 : i+8]))
		}
		start := i + 10
		end := start + size
		if size <= 0 || end > len(tag) {
			break
		}
		switch id {
		case "TIT2":
			title = decodeID3String(tag[start:end])
		case "TPE1":
			artist = decodeID3String(tag[start:end])
		}
		i = end
	}
	return title, artist
}

func decodeID3String(b []byte) string {
	if len(b) < 1 {
		return ""
	}
	enc, body := b[0], b[1:]
	switch enc {
	case 1, 2: // UTF-16 with BOM, UTF-16BE
		be := enc == 2
		if len(body) >= 2 && body[0] == 0xFE && body[1] == 0xFF {
			be, body = true, body[2:]
		} else if len(body) >= 2 && body[0] == 0xFF && body[1] == 0xFE {
			be, body = false, body[2:]
		}
		u := make([]uint16, 0, len(body)/2)
		for j := 0; j+1 < len(body); j += 2 {
			if be {
				u = append(u, uint16(body[j])<<8|uint16(body[j+1]))
			} else {
				u = append(u, uint16(body[j+1])<<8|uint16(body[j]))
			}
		}
		return strings.TrimRight(string(utf16.Decode(u)), "\x00")
	default: // ISO-8859-1 or UTF-8
		return strings.TrimRight(string(body), "\x00")
	}
}
