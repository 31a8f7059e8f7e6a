package aliyun

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Provider status texts returned in the StatusText field.
const (
	statusSuccess           = "SUCCESS"
	statusSuccessNoFragment = "SUCCESS_WITH_NO_VALID_FRAGMENT"
	statusRunning           = "RUNNING"
	statusQueueing          = "QUEUEING"
)

// taskDoc is the JSON document sent in the Task form field of SubmitTask.
type taskDoc struct {
	AppKey                   string `json:"appkey"`
	FileLink                 string `json:"file_link"`
	Version                  string `json:"version"`
	EnableWords              bool   `json:"enable_words"`
	EnableSampleRateAdaptive bool   `json:"enable_sample_rate_adaptive"`
}

// submitResponse is the body of a SubmitTask response. Gateway-level errors
// only populate Code and Message.
type submitResponse struct {
	RequestID  string `json:"RequestId"`
	TaskID     string `json:"TaskId"`
	StatusCode int64  `json:"StatusCode"`
	StatusText string `json:"StatusText"`
	Code       string `json:"Code"`
	Message    string `json:"Message"`
}

// pollResponse is the body of a GetTaskResult response.
type pollResponse struct {
	RequestID  string      `json:"RequestId"`
	TaskID     string      `json:"TaskId"`
	StatusCode int64       `json:"StatusCode"`
	StatusText string      `json:"StatusText"`
	Code       string      `json:"Code"`
	Message    string      `json:"Message"`
	Result     *pollResult `json:"Result"`
}

type pollResult struct {
	Sentences sentences `json:"Sentences"`
}

// sentence is one recognised utterance. Timing fields are decoded but not
// used when building the transcript.
type sentence struct {
	Text      string `json:"Text"`
	BeginTime int64  `json:"BeginTime"`
	EndTime   int64  `json:"EndTime"`
	ChannelID int    `json:"ChannelId"`
}

// sentences accepts either a JSON array of sentence objects or a string. A
// string holding a JSON array is decoded as such; any other string is taken
// as the transcript itself.
type sentences []sentence

func (s *sentences) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] != '"' {
		var list []sentence
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*s = list
		return nil
	}

	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		*s = nil
	case raw[0] == '[':
		var list []sentence
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return err
		}
		*s = list
	default:
		*s = sentences{{Text: raw}}
	}
	return nil
}

// text concatenates the sentence texts in order.
func (s sentences) text() string {
	var b strings.Builder
	for _, st := range s {
		b.WriteString(st.Text)
	}
	return b.String()
}
