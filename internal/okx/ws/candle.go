package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"okx-grid-hedge/internal/market"
)

// ErrNoData marks frames that carry no channel data, such as subscribe
// acknowledgements.
var ErrNoData = errors.New("no channel data")

type push struct {
	Event string     `json:"event"`
	Code  string     `json:"code"`
	Msg   string     `json:"msg"`
	Arg   Arg        `json:"arg"`
	Data  [][]string `json:"data"`
}

func CandleChannel(bar string) string {
	return "candle" + bar
}

// ParseCandlePush decodes a candle channel frame. Error events are returned
// as errors; other events return ErrNoData.
func ParseCandlePush(raw []byte) (string, string, []market.Candle, error) {
	var msg push
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", "", nil, fmt.Errorf("decode push: %w", err)
	}
	if msg.Event == "error" {
		return "", "", nil, fmt.Errorf("ws error %s: %s", msg.Code, msg.Msg)
	}
	if msg.Event != "" || len(msg.Data) == 0 {
		return msg.Arg.Channel, msg.Arg.InstID, nil, ErrNoData
	}
	if !strings.HasPrefix(msg.Arg.Channel, "candle") {
		return msg.Arg.Channel, msg.Arg.InstID, nil, fmt.Errorf("unexpected channel %q", msg.Arg.Channel)
	}
	bar := strings.TrimPrefix(msg.Arg.Channel, "candle")
	candles, err := market.ParseCandleRows(msg.Arg.InstID, bar, msg.Data)
	if err != nil {
		return msg.Arg.Channel, msg.Arg.InstID, nil, err
	}
	return msg.Arg.Channel, msg.Arg.InstID, candles, nil
}
