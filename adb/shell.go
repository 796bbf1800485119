package adb

import (
	"context"
	"fmt"
)

// Shell runs a command on the device via the "shell:" service and returns
// the combined output once the daemon closes the stream. Interactive use
// wants OpenStream directly; this is the one-shot helper.
func (s *Session) Shell(ctx context.Context, command string) (string, error) {
	st, err := s.OpenStream(ctx, "shell:"+command)
	if err != nil {
		return "", fmt.Errorf("open shell: %w", err)
	}
	defer st.Close(ctx)

	out, err := st.ReadAll(ctx)
	if err != nil {
		return string(out), fmt.Errorf("read shell output: %w", err)
	}
	return string(out), nil
}
