package codec_test

import (
	"errors"
	"testing"

	"github.com/xraph/bed"
	"github.com/xraph/bed/codec"
)

type sendEmail struct {
	bed.BaseCommand
	To      string `json:"to" msgpack:"to"`
	Attach  []byte `json:"attach,omitempty" msgpack:"attach,omitempty"`
	Retries int    `json:"retries" msgpack:"retries"`
}

func TestSerializersPreserveCommand(t *testing.T) {
	in := sendEmail{
		BaseCommand: bed.BaseCommand{ID: "order-42", Mode: bed.ImmediacyAtBed},
		To:          "a@example.com",
		Attach:      []byte{0, 1, 2},
		Retries:     3,
	}

	for _, s := range []codec.Serializer{codec.JSON{}, codec.Msgpack{}} {
		t.Run(s.Name(), func(t *testing.T) {
			data, err := s.Encode(in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			var out sendEmail
			if err := s.Decode(data, &out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.TaskID() != "order-42" || out.Immediacy() != bed.ImmediacyAtBed {
				t.Errorf("command identity lost: %+v", out.BaseCommand)
			}
			if out.To != in.To || out.Retries != 3 || len(out.Attach) != 3 {
				t.Errorf("fields lost: %+v", out)
			}
		})
	}
}

func TestDecodeErrorsWrapSerialization(t *testing.T) {
	for _, s := range []codec.Serializer{codec.JSON{}, codec.Msgpack{}} {
		t.Run(s.Name(), func(t *testing.T) {
			var out sendEmail
			err := s.Decode([]byte{0xc1, '{', 'x'}, &out)
			if !errors.Is(err, bed.ErrSerialization) {
				t.Errorf("err = %v, want ErrSerialization", err)
			}
		})
	}
}

func TestEncodeErrorWrapsSerialization(t *testing.T) {
	_, err := codec.JSON{}.Encode(make(chan int))
	if !errors.Is(err, bed.ErrSerialization) {
		t.Errorf("err = %v, want ErrSerialization", err)
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", "json", "msgpack"} {
		if _, err := codec.ByName(name); err != nil {
			t.Errorf("ByName(%q): %v", name, err)
		}
	}
	if _, err := codec.ByName("xml"); err == nil {
		t.Error("expected error for unknown serializer")
	}
}
