package wire

import (
	"testing"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/params"
)

func TestEncodeDecodeParametersDenseVector(t *testing.T) {
	p := params.NewDenseVector([]float64{1, 2, 3.5, -4})
	b, err := EncodeParameters(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeParameters(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	dv, ok := got.(*params.DenseVector)
	if !ok {
		t.Fatalf("decoded variant %T, want *DenseVector", got)
	}
	if len(dv.Values) != 4 {
		t.Fatalf("len = %d, want 4", len(dv.Values))
	}
	for i, v := range []float64{1, 2, 3.5, -4} {
		if dv.Values[i] != v {
			t.Errorf("Values[%d] = %v, want %v", i, dv.Values[i], v)
		}
	}
}

func TestEncodeDecodeParametersNamedTensorMap(t *testing.T) {
	p := params.NewNamedTensorMap(
		[]string{"w", "b"},
		map[string]*params.Tensor{
			"w": {Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
			"b": {Shape: []int{2}, Data: []float64{0.5, -0.5}},
		},
	)
	b, err := EncodeParameters(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeParameters(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ntm, ok := got.(*params.NamedTensorMap)
	if !ok {
		t.Fatalf("decoded variant %T, want *NamedTensorMap", got)
	}
	if len(ntm.Keys) != 2 {
		t.Fatalf("len(Keys) = %d, want 2", len(ntm.Keys))
	}
	w := ntm.Tensors["w"]
	if w == nil {
		t.Fatal("missing tensor \"w\"")
	}
	if len(w.Shape) != 2 || w.Shape[0] != 2 || w.Shape[1] != 2 {
		t.Errorf("w.Shape = %v, want [2 2]", w.Shape)
	}
	if len(w.Data) != 4 || w.Data[2] != 3 {
		t.Errorf("w.Data = %v, want [1 2 3 4]", w.Data)
	}
}

func TestEncodeDecodeRecordIDParam(t *testing.T) {
	p := params.NewDenseVector([]float64{1, 2})
	rec := Record{HasID: true, ID: nodeid.NodeId("worker-1"), HasParam: true, Param: p}
	b, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRecord(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.HasID || got.ID != nodeid.NodeId("worker-1") {
		t.Errorf("ID = %+v, want worker-1", got)
	}
	if !got.HasParam {
		t.Fatal("HasParam = false")
	}
	if got.HasFlags {
		t.Error("HasFlags = true, want false")
	}
}

func TestEncodeDecodeRecordParamFlags(t *testing.T) {
	p := params.NewDenseVector([]float64{9})
	rec := Record{HasParam: true, Param: p, HasFlags: true, Flags: map[string]bool{"setReference": true}}
	b, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRecord(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.HasID {
		t.Error("HasID = true, want false")
	}
	if !got.HasFlags || !got.Flags["setReference"] {
		t.Errorf("Flags = %v, want setReference=true", got.Flags)
	}
}

func TestDecodeRecordTruncatedIsProtocolViolation(t *testing.T) {
	rec := Record{HasID: true, ID: nodeid.NodeId("x")}
	b, err := EncodeRecord(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = DecodeRecord(b[:len(b)-2])
	if err == nil {
		t.Fatal("expected error decoding truncated record")
	}
	if !dlerrors.Is(err, dlerrors.KindProtocolViolation) {
		t.Errorf("err = %v, want a ProtocolViolation", err)
	}
}
