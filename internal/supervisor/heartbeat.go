package supervisor

import (
	"encoding/binary"
	"strings"
)

// heartbeatQuery builds a minimal, well-formed A-record query for domain
// with id=0 and RD=1, used only to keep the upstream connection warm and
// feed the latency gauge; its answer is never cached or returned to a
// client.
func heartbeatQuery(domain string) []byte {
	buf := make([]byte, 12)
	buf[2] = 0x01 // RD
	binary.BigEndian.PutUint16(buf[4:6], 1)

	for _, label := range strings.Split(strings.Trim(domain, "."), ".") {
		if label == "" {
			continue
		}
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)
	}
	buf = append(buf, 0)
	buf = append(buf, 0, 1) // QTYPE A
	buf = append(buf, 0, 1) // QCLASS IN
	return buf
}
