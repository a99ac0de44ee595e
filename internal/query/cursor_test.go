package query

import "testing"

func TestEncodeDecodeCursor_RoundTrip(t *testing.T) {
	c := PageCursor{SortValue: "2020-01-01T00:00:00Z", ID: "p1", Descending: true}
	token := EncodeCursor(c)
	got, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *got != c {
		t.Fatalf("got %+v, want %+v", *got, c)
	}
}

func TestDecodeCursor_EmptyToken(t *testing.T) {
	if _, err := DecodeCursor(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestDecodeCursor_InvalidBase64(t *testing.T) {
	if _, err := DecodeCursor("not base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestDecodeCursor_InvalidJSON(t *testing.T) {
	bad := "bm90LWpzb24" // base64("not-json") without padding
	if _, err := DecodeCursor(bad); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}
