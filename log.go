package mls

import (
	"io"
	"log/slog"
)

// discardLogger is the default logger when a State is constructed without
// WithLogger: every record is dropped before formatting.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logFields builds the structured attributes attached to every group state
// log line. Never include secret material (path secrets, ratchet keys,
// signature private keys) in these fields.
func logFields(groupID []byte, epoch uint64, leafIndex uint32) []any {
	return []any{
		slog.String("group_id", fmtHex(groupID)),
		slog.Uint64("epoch", epoch),
		slog.Uint64("leaf_index", uint64(leafIndex)),
	}
}

func fmtHex(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
