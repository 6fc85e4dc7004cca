package ui

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/stream"
)

func TestFormatMessage(t *testing.T) {
	ForceNoColor()
	got := FormatMessage(&stream.Message{
		ID:          "0000000000000007",
		Action:      activity.ActionUpdate,
		EntityType:  activity.EntityPage,
		EntityID:    "page_9",
		ChangedKeys: []string{"title", "body"},
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local),
	})
	want := "03:04:05 0000000000000007 update page/page_9 [title, body]"
	if got != want {
		t.Errorf("FormatMessage =\n%q\nwant\n%q", got, want)
	}
}

func TestRenderActionPads(t *testing.T) {
	ForceNoColor()
	if got := RenderAction(activity.ActionDelete); got != "delete" {
		t.Errorf("delete = %q", got)
	}
	if got := RenderAction(activity.ActionCreate); !strings.HasPrefix(got, "create") || len(got) != 6 {
		t.Errorf("create = %q", got)
	}
}

func TestShouldUseColor(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"NoColor", map[string]string{"NO_COLOR": "1", "CLICOLOR_FORCE": "1"}, false},
		{"Forced", map[string]string{"CLICOLOR_FORCE": "1"}, true},
		{"ForceBeatsClicolor", map[string]string{"CLICOLOR_FORCE": "1", "CLICOLOR": "0"}, true},
		{"ClicolorZero", map[string]string{"CLICOLOR": "0"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range []string{"NO_COLOR", "CLICOLOR_FORCE", "CLICOLOR"} {
				t.Setenv(k, tc.env[k])
			}
			f, err := os.CreateTemp(t.TempDir(), "out")
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()
			if got := ShouldUseColor(f); got != tc.want {
				t.Errorf("ShouldUseColor = %v, want %v", got, tc.want)
			}
		})
	}
}
