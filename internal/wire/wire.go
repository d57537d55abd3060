// Package wire implements the minimal RFC 1035 parsing this proxy needs:
// question extraction and fingerprinting, minimum-TTL walking of a response,
// transaction id rewriting, and SERVFAIL synthesis. It never builds a full
// in-memory record graph; every operation is a single pass over the wire
// bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"strings"
)

// ErrMalformed is returned for any structural violation of the header,
// question, or record sections described in RFC 1035.
var ErrMalformed = errors.New("wire: malformed dns message")

const (
	headerLen    = 12
	maxNameOctets = 255
	maxLabelLen   = 63
)

// EDNS0 extended flags, RFC 6891 6.1.4. DO occupies the high bit of the
// 16-bit extended-flags word carried in the OPT record's TTL field.
const ednsDOBit = 0x8000

const optType = 41

// Fingerprint canonicalizes a question for cache keying: lowercased qname,
// qtype, qclass, and the subset of header/EDNS flags that affect the
// answer (RD, CD, DO). The transaction id and any EDNS cookie are excluded.
type Fingerprint struct {
	QName  string
	QType  uint16
	QClass uint16
	RD     bool
	CD     bool
	DO     bool
}

// Key returns a stable string suitable for use as a map or singleflight key.
func (f Fingerprint) Key() string {
	var b strings.Builder
	b.Grow(len(f.QName) + 24)
	b.WriteString(f.QName)
	b.WriteByte('|')
	writeUint16(&b, f.QType)
	b.WriteByte('|')
	writeUint16(&b, f.QClass)
	b.WriteByte('|')
	if f.RD {
		b.WriteByte('R')
	}
	if f.CD {
		b.WriteByte('C')
	}
	if f.DO {
		b.WriteByte('D')
	}
	return b.String()
}

func writeUint16(b *strings.Builder, v uint16) {
	const hex = "0123456789abcdef"
	b.WriteByte(hex[(v>>12)&0xf])
	b.WriteByte(hex[(v>>8)&0xf])
	b.WriteByte(hex[(v>>4)&0xf])
	b.WriteByte(hex[v&0xf])
}

// Query is the result of parsing an inbound message.
type Query struct {
	ID          uint16
	Fingerprint Fingerprint
	QName       string
	QType       uint16
	// QuestionEnd is the offset immediately after the question section,
	// used by BuildServfail to copy the question verbatim.
	QuestionEnd int
}

// ParseQuery validates and extracts the fields the core needs from an
// inbound DNS message: header length, single-question requirement, qname
// label-length and total-length bounds, and the fingerprint flag subset.
func ParseQuery(data []byte) (Query, error) {
	if len(data) < headerLen {
		return Query{}, ErrMalformed
	}

	id := binary.BigEndian.Uint16(data[0:2])
	b2 := data[2]
	qdcount := binary.BigEndian.Uint16(data[4:6])
	if qdcount != 1 {
		return Query{}, ErrMalformed
	}

	name, offset, err := readName(data, headerLen, nil)
	if err != nil {
		return Query{}, err
	}
	if offset+4 > len(data) {
		return Query{}, ErrMalformed
	}
	qtype := binary.BigEndian.Uint16(data[offset : offset+2])
	qclass := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	questionEnd := offset + 4

	fp := Fingerprint{
		QName:  strings.ToLower(name),
		QType:  qtype,
		QClass: qclass,
		RD:     b2&0x01 != 0,
		CD:     data[3]&0x10 != 0,
	}
	fp.DO = hasDNSSECOK(data, questionEnd)

	return Query{
		ID:          id,
		Fingerprint: fp,
		QName:       fp.QName,
		QType:       qtype,
		QuestionEnd: questionEnd,
	}, nil
}

// hasDNSSECOK walks any answer/authority/additional records that follow the
// question (a well-formed query carries at most an OPT record) looking for
// an OPT RR and reports its DO bit. Malformed trailing sections are treated
// as DO=false rather than failing the whole parse; the query itself is
// already valid at this point.
func hasDNSSECOK(data []byte, offset int) bool {
	an := int(safeUint16(data, 6))
	ns := int(safeUint16(data, 8))
	ar := int(safeUint16(data, 10))

	total := an + ns + ar
	visited := make(map[int]bool)
	for i := 0; i < total; i++ {
		rr, next, err := readRR(data, offset, visited)
		if err != nil {
			return false
		}
		if rr.rtype == optType && len(data) >= rr.ttlOffset+4 {
			flags := binary.BigEndian.Uint16(data[rr.ttlOffset+2 : rr.ttlOffset+4])
			return flags&ednsDOBit != 0
		}
		offset = next
	}
	return false
}

func safeUint16(data []byte, off int) uint16 {
	if off+2 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint16(data[off : off+2])
}

// resourceRecord is the subset of an RR's header fields callers need.
type resourceRecord struct {
	rtype     uint16
	class     uint16
	ttl       uint32
	ttlOffset int
	rdlength  uint16
}

// readRR reads one resource record starting at offset (owner name, type,
// class, ttl, rdlength, rdata) and returns the offset immediately after it.
func readRR(data []byte, offset int, visited map[int]bool) (resourceRecord, int, error) {
	_, offset, err := readName(data, offset, visited)
	if err != nil {
		return resourceRecord{}, 0, err
	}
	if offset+10 > len(data) {
		return resourceRecord{}, 0, ErrMalformed
	}
	rr := resourceRecord{
		rtype:     binary.BigEndian.Uint16(data[offset : offset+2]),
		class:     binary.BigEndian.Uint16(data[offset+2 : offset+4]),
		ttl:       binary.BigEndian.Uint32(data[offset+4 : offset+8]),
		ttlOffset: offset + 4,
		rdlength:  binary.BigEndian.Uint16(data[offset+8 : offset+10]),
	}
	rdataStart := offset + 10
	rdataEnd := rdataStart + int(rr.rdlength)
	if rdataEnd > len(data) {
		return resourceRecord{}, 0, ErrMalformed
	}
	return rr, rdataEnd, nil
}

// readName decodes a length-prefixed label sequence starting at offset,
// following at most one chain of compression pointers with cycle detection
// via a visited-offset set, and returns the dotted name and the offset
// immediately after the name as it appears in-line (i.e. after the first
// pointer, not after the target).
func readName(data []byte, offset int, visited map[int]bool) (string, int, error) {
	if visited == nil {
		visited = make(map[int]bool)
	}

	var labels []string
	nameLen := 0
	origOffset := offset
	jumped := false
	cur := offset

	for {
		if cur >= len(data) {
			return "", 0, ErrMalformed
		}
		b := data[cur]

		switch {
		case b == 0:
			cur++
			if !jumped {
				origOffset = cur
			}
			return strings.Join(labels, "."), origOffset, nil

		case b&0xC0 == 0xC0:
			if cur+1 >= len(data) {
				return "", 0, ErrMalformed
			}
			ptr := int(binary.BigEndian.Uint16(data[cur:cur+2]) & 0x3FFF)
			if visited[cur] {
				return "", 0, ErrMalformed
			}
			visited[cur] = true
			if !jumped {
				origOffset = cur + 2
				jumped = true
			}
			if ptr >= cur {
				// Forward or self pointers cannot terminate; RFC 1035
				// requires pointers to reference a prior occurrence.
				return "", 0, ErrMalformed
			}
			cur = ptr

		case b&0xC0 != 0:
			return "", 0, ErrMalformed

		default:
			labelLen := int(b)
			if labelLen > maxLabelLen {
				return "", 0, ErrMalformed
			}
			cur++
			if cur+labelLen > len(data) {
				return "", 0, ErrMalformed
			}
			nameLen += labelLen + 1
			if nameLen+1 > maxNameOctets { // +1 for the terminating zero-length label
				return "", 0, ErrMalformed
			}
			labels = append(labels, string(data[cur:cur+labelLen]))
			cur += labelLen
		}
	}
}

// MinTTL walks the answer section tracking owner-name compression, reads
// each RR's TTL, and returns the minimum. It reports ok=false for a
// response with no answers or one that fails to parse.
func MinTTL(data []byte) (ttl uint32, ok bool) {
	if len(data) < headerLen {
		return 0, false
	}
	ancount := int(safeUint16(data, 6))
	if ancount == 0 {
		return 0, false
	}

	offset, err := skipQuestions(data)
	if err != nil {
		return 0, false
	}

	visited := make(map[int]bool)
	var min uint32
	found := false
	for i := 0; i < ancount; i++ {
		rr, next, err := readRR(data, offset, visited)
		if err != nil {
			return 0, false
		}
		if !found || rr.ttl < min {
			min = rr.ttl
			found = true
		}
		offset = next
	}
	if !found {
		return 0, false
	}
	return min, true
}

// SOAMinTTL scans the authority section for an SOA record and returns the
// MINIMUM field from its rdata, used for negative-caching TTL when the
// answer section is empty.
func SOAMinTTL(data []byte) (uint32, bool) {
	if len(data) < headerLen {
		return 0, false
	}
	ancount := int(safeUint16(data, 6))
	nscount := int(safeUint16(data, 8))
	if nscount == 0 {
		return 0, false
	}

	offset, err := skipQuestions(data)
	if err != nil {
		return 0, false
	}

	visited := make(map[int]bool)
	for i := 0; i < ancount; i++ {
		_, next, err := readRR(data, offset, visited)
		if err != nil {
			return 0, false
		}
		offset = next
	}

	const soaType = 6
	for i := 0; i < nscount; i++ {
		rr, next, err := readRR(data, offset, visited)
		if err != nil {
			return 0, false
		}
		if rr.rtype == soaType {
			rdataEnd := next
			rdataStart := rdataEnd - int(rr.rdlength)
			if rdataEnd-4 < rdataStart || rdataEnd > len(data) {
				return 0, false
			}
			return binary.BigEndian.Uint32(data[rdataEnd-4 : rdataEnd]), true
		}
		offset = next
	}
	return 0, false
}

func skipQuestions(data []byte) (int, error) {
	qdcount := int(safeUint16(data, 4))
	offset := headerLen
	for i := 0; i < qdcount; i++ {
		_, next, err := readName(data, offset, nil)
		if err != nil {
			return 0, err
		}
		if next+4 > len(data) {
			return 0, ErrMalformed
		}
		offset = next + 4
	}
	return offset, nil
}

// RewriteID writes the 2-byte transaction id at offset 0 of buf in place.
// Callers must own a private copy of the bytes; cached response bodies are
// shared read-only across goroutines with id=0.
func RewriteID(buf []byte, id uint16) {
	if len(buf) < 2 {
		return
	}
	binary.BigEndian.PutUint16(buf[0:2], id)
}

// BuildServfail synthesizes a SERVFAIL response for q from the client's
// original query bytes: QR=1, opcode and RD preserved from the client,
// AA=0, TC=0, RA=1, RCODE=2, question section copied verbatim, all other
// counts zeroed (which truncates any OPT/EDNS the client attached).
func BuildServfail(query []byte, q Query) []byte {
	out := make([]byte, q.QuestionEnd)
	copy(out, query[:q.QuestionEnd])

	binary.BigEndian.PutUint16(out[0:2], q.ID)

	b2 := query[2]
	opcode := b2 & 0x78
	rd := b2 & 0x01
	out[2] = 0x80 | opcode | rd
	out[3] = 0x80 | 0x02 // RA=1, RCODE=2 (SERVFAIL)

	binary.BigEndian.PutUint16(out[4:6], 1) // QDCOUNT preserved
	binary.BigEndian.PutUint16(out[6:8], 0)
	binary.BigEndian.PutUint16(out[8:10], 0)
	binary.BigEndian.PutUint16(out[10:12], 0)

	return out
}
