package kfmt

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{
			Sink:   &buf,
			Prefix: []byte("[pmm] "),
		}
	)

	specs := []struct {
		writes []string
		exp    string
	}{
		{
			[]string{"single line\n"},
			"[pmm] single line\n",
		},
		{
			[]string{"line 1\nline 2\n"},
			"[pmm] line 1\n[pmm] line 2\n",
		},
		{
			[]string{"partial ", "line\n", "next"},
			"[pmm] partial line\n[pmm] next",
		},
		{
			[]string{""},
			"",
		},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			w.midLine = false

			var expWritten, gotWritten int
			for _, str := range spec.writes {
				n, err := w.Write([]byte(str))
				if err != nil {
					t.Fatal(err)
				}
				gotWritten += n
				expWritten += len(str)
			}

			if got := buf.String(); got != spec.exp {
				t.Errorf("expected output %q; got %q", spec.exp, got)
			}

			if gotWritten != expWritten {
				t.Errorf("expected written byte count to exclude prefixes (%d); got %d", expWritten, gotWritten)
			}
		})
	}
}

func TestPrefixWriterErrors(t *testing.T) {
	expErr := errors.New("write failed")
	w := PrefixWriter{
		Sink:   writerThatAlwaysErrors{err: expErr},
		Prefix: []byte("prefix: "),
	}

	if _, err := w.Write([]byte("foo\n")); err != expErr {
		t.Fatalf("expected error %v; got %v", expErr, err)
	}
}

type writerThatAlwaysErrors struct {
	err error
}

func (w writerThatAlwaysErrors) Write(_ []byte) (int, error) {
	return 0, w.err
}
