package proxy

import "bytes"

var pingPrefix = []byte("PING :")

// pongReplies returns a "PONG :token\n" reply for every line in chunk that
// starts with "PING :". Lines are matched within the chunk only.
func pongReplies(chunk []byte) [][]byte {
	var replies [][]byte
	for line := range bytes.Lines(chunk) {
		token, ok := bytes.CutPrefix(line, pingPrefix)
		if !ok {
			continue
		}
		token = bytes.TrimSuffix(token, []byte("\n"))
		token = bytes.TrimSuffix(token, []byte("\r"))

		reply := make([]byte, 0, len("PONG :")+len(token)+1)
		reply = append(reply, "PONG :"...)
		reply = append(reply, token...)
		reply = append(reply, '\n')
		replies = append(replies, reply)
	}
	return replies
}
