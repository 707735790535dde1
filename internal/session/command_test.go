package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_SentinelWhenNoWaitOrEOL(t *testing.T) {
	cmd, err := testDefaults.Build(Request{SessionID: "s1", Text: "echo hi"})
	require.NoError(t, err)

	assert.Equal(t, "echo hi;echo ***done***\n", cmd.Text)
	assert.True(t, cmd.Wait.IsPattern())
	assert.Equal(t, Sentinel, cmd.Wait.Pattern())
	assert.Equal(t, 10, cmd.Priority)
	assert.Equal(t, 60, cmd.Timeout)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, "s1", cmd.SessionID)
}

func TestBuild_EOLWithoutWaitWaitsOneSecond(t *testing.T) {
	eol := "\r\n"
	cmd, err := testDefaults.Build(Request{SessionID: "s1", Text: "dir", EOL: &eol})
	require.NoError(t, err)

	assert.Equal(t, "dir\r\n", cmd.Text)
	assert.False(t, cmd.Wait.IsPattern())
	assert.Equal(t, 1, cmd.Wait.Seconds())
}

func TestBuild_ExplicitFields(t *testing.T) {
	w := PatternWait("$ ")
	cmd, err := testDefaults.Build(Request{
		SessionID: "s1",
		Text:      "ls",
		Wait:      &w,
		Timeout:   ptr(5),
		Priority:  ptr(2),
		Title:     "Listing",
	})
	require.NoError(t, err)

	assert.Equal(t, "ls\n", cmd.Text)
	assert.Equal(t, "$ ", cmd.Wait.Pattern())
	assert.Equal(t, 5, cmd.Timeout)
	assert.Equal(t, 2, cmd.Priority)
	assert.Equal(t, "Listing", cmd.Title)
}

func TestBuild_Errors(t *testing.T) {
	_, err := testDefaults.Build(Request{Text: "ls"})
	assert.ErrorIs(t, err, ErrEmptySessionID)

	_, err = testDefaults.Build(Request{SessionID: "s1", Text: "ls", Wait: ptr(DurationWait(-1))})
	assert.ErrorIs(t, err, ErrNegativeSeconds)

	_, err = testDefaults.Build(Request{SessionID: "s1", Text: "ls", Wait: ptr(PatternWait(""))})
	assert.ErrorIs(t, err, ErrEmptyPattern)
}

func TestWait_ZeroSecondsIsNotAPattern(t *testing.T) {
	assert.False(t, DurationWait(0).IsPattern())
	assert.True(t, PatternWait("").IsPattern())

	cmd, err := testDefaults.Build(Request{SessionID: "s1", Text: "ls", Wait: ptr(DurationWait(0))})
	require.NoError(t, err)
	assert.False(t, cmd.Wait.IsPattern())
	assert.Equal(t, 0, cmd.Wait.Seconds())
}

func TestBuild_CmdExeJoiner(t *testing.T) {
	d := Defaults{Priority: 10, Timeout: 60, EOL: "\r\n", SentinelJoiner: " & "}
	cmd, err := d.Build(Request{SessionID: "w", Text: "dir"})
	require.NoError(t, err)
	assert.Equal(t, "dir & echo ***done***\r\n", cmd.Text)
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		in      string
		nilWait bool
		pattern string
		seconds int
		wantErr bool
	}{
		{in: "", nilWait: true},
		{in: "3", seconds: 3},
		{in: "0", seconds: 0},
		{in: "done", pattern: "done"},
		{in: "3s", pattern: "3s"},
		{in: "-2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			w, err := ParseWait(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.nilWait {
				assert.Nil(t, w)
				return
			}
			require.NotNil(t, w)
			assert.Equal(t, tt.pattern, w.Pattern())
			assert.Equal(t, tt.seconds, w.Seconds())
		})
	}
}

func TestWait_String(t *testing.T) {
	assert.Equal(t, `"done"`, PatternWait("done").String())
	assert.Equal(t, "4s", DurationWait(4).String())
}
