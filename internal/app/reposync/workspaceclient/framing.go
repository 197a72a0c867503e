package workspaceclient

import (
	"bufio"
	"bytes"
	"strings"
)

// parseFramedReply strips "event: message\ndata: <json>\n" framing from a
// workspace reply body and returns the raw JSON payload. Replies that are
// already bare JSON are returned unchanged. Multiple "data:" lines are
// joined, matching how long payloads are sometimes wrapped by intermediate
// proxies.
func parseFramedReply(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &ProtocolError{Reason: "empty reply body"}
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed, nil
	}

	var data bytes.Buffer
	sawData := false
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			sawData = true
			data.WriteString(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ProtocolError{Reason: "scan reply: " + err.Error()}
	}
	if !sawData {
		return nil, &ProtocolError{Reason: "reply is neither framed nor raw JSON"}
	}
	payload := bytes.TrimSpace(data.Bytes())
	if len(payload) == 0 {
		return nil, &ProtocolError{Reason: "framed reply carried no data"}
	}
	return payload, nil
}
