package directory

import (
	"encoding/json"
	"fmt"
)

func encodePending(p *PendingTransfer) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode pending transfer: %w", err)
	}
	return raw, nil
}

func decodePending(raw []byte) (*PendingTransfer, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var p PendingTransfer
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode pending transfer: %w", err)
	}
	return &p, nil
}
