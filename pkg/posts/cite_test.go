package posts

import (
	"reflect"
	"testing"

	"factdb/pkg/models"
)

func TestScanCitations(t *testing.T) {
	core := "see [[100:2:1]] and [[200:3:1]], again [[100:2:1]], broken [[1:2]] [[x:y:z]]"
	got := ScanCitations(core)
	want := []models.ID{
		{TS: 100, Actor: 2, Space: 1},
		{TS: 200, Actor: 3, Space: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestScanCitationsNone(t *testing.T) {
	if got := ScanCitations("plain text without tokens"); got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}
