package job

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseHold decodes hold file content. An empty file is a fresh, unclaimed slot.
func ParseHold(data []byte) (HoldInfo, error) {
	var h HoldInfo
	if len(data) == 0 {
		return h, nil
	}
	if err := yaml.Unmarshal(data, &h); err != nil {
		return HoldInfo{}, errors.Wrap(err, "decode hold file")
	}
	return h, nil
}

func (h *HoldInfo) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(h)
	return data, errors.Wrap(err, "encode hold file")
}
