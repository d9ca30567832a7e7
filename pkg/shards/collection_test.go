package shards

import (
	"reflect"
	"testing"

	"github.com/stratushq/stratus/pkg/model"
)

func res(kv ...string) map[string]any {
	m := make(map[string]any)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func TestPutPartsLastWriteWins(t *testing.T) {
	c := NewCollection()
	c.PutParts(
		NewPart("R1", "eu-west-1", []map[string]any{res("id", "a")}),
		NewPart("R1", "eu-west-1", []map[string]any{res("id", "b")}),
	)

	if c.Len() != 1 {
		t.Fatalf("expected 1 part, got %d", c.Len())
	}
	p, _ := c.Get(PartKey{Policy: "R1", Location: "eu-west-1"})
	if p.Resources[0]["id"] != "b" {
		t.Errorf("expected last write to win, got %v", p.Resources[0])
	}
}

func TestUpdateIdempotent(t *testing.T) {
	c := NewCollection()
	c.SetMeta("R1", PolicyMeta{Resource: "aws.ec2"})
	c.PutParts(
		NewPart("R1", "eu-west-1", []map[string]any{res("id", "a")}),
		NewPart("R1", "eu-central-1", []map[string]any{res("id", "b")}),
	)

	before := c.Parts()
	c.Update(c)

	if !reflect.DeepEqual(before, c.Parts()) {
		t.Errorf("update(self) changed the collection: %v -> %v", before, c.Parts())
	}
}

func TestUpdateDropsAzurePseudoRegion(t *testing.T) {
	c := NewCollection()
	other := NewCollection()
	other.PutParts(
		NewPart("R1", model.AzurePseudoLocation, []map[string]any{res("id", "a")}),
		NewPart("R2", "westeurope", []map[string]any{res("id", "b")}),
	)

	c.Update(other)

	if c.Len() != 1 {
		t.Fatalf("expected only the real-location part, got %d parts", c.Len())
	}
	if _, ok := c.Get(PartKey{Policy: "R1", Location: model.AzurePseudoLocation}); ok {
		t.Error("AzureCloud part must be dropped on update")
	}
}

func TestDiffNeverIntroducesResources(t *testing.T) {
	latest := NewCollection()
	latest.PutParts(
		NewPart("R1", "eu-west-1", []map[string]any{res("id", "a"), res("id", "b")}),
		NewPart("R2", "eu-west-1", []map[string]any{res("id", "c")}),
	)

	job := NewCollection()
	job.PutParts(NewPart("R1", "eu-west-1", []map[string]any{res("id", "a")}))

	d := latest.Diff(job)
	if d.Len() > latest.Len() {
		t.Errorf("diff grew the collection: %d > %d", d.Len(), latest.Len())
	}

	p, ok := d.Get(PartKey{Policy: "R1", Location: "eu-west-1"})
	if !ok || len(p.Resources) != 1 || p.Resources[0]["id"] != "b" {
		t.Errorf("expected only resource b in R1 diff, got %+v", p)
	}
	if _, ok := d.Get(PartKey{Policy: "R2", Location: "eu-west-1"}); !ok {
		t.Error("expected R2 part to survive the diff whole")
	}
}

func TestDiffDropsEmptyAndErrorParts(t *testing.T) {
	a := NewCollection()
	a.PutParts(
		NewPart("R1", "eu-west-1", []map[string]any{res("id", "a")}),
		NewErrorPart("R2", "eu-west-1", model.ErrorAccess, "denied"),
	)
	b := NewCollection()
	b.PutParts(NewPart("R1", "eu-west-1", []map[string]any{res("id", "a")}))

	d := a.Diff(b)
	if d.Len() != 0 {
		t.Errorf("expected empty diff, got %d parts: %v", d.Len(), d.Keys())
	}
}

func TestUpdateDiffLaws(t *testing.T) {
	a := NewCollection()
	a.PutParts(
		NewPart("R1", "eu-west-1", []map[string]any{res("id", "a")}),
		NewPart("R2", "GLOBAL", []map[string]any{res("id", "g")}),
	)
	b := NewCollection()
	b.PutParts(
		NewPart("R1", "eu-west-1", []map[string]any{res("id", "x")}),
		NewPart("R3", "eu-central-1", []map[string]any{res("id", "y")}),
	)

	m := NewCollection()
	m.Update(a)
	m.Update(b)

	// Every key of b is in m, with b's content.
	for _, key := range b.Keys() {
		got, ok := m.Get(key)
		want, _ := b.Get(key)
		if !ok || !reflect.DeepEqual(got, want) {
			t.Errorf("merged collection lost b's part at %v", key)
		}
	}

	// m.diff(b) only contains keys that came from a.
	d := m.Diff(b)
	for _, key := range d.Keys() {
		if _, ok := a.Get(key); !ok {
			t.Errorf("diff produced key %v not present in a", key)
		}
	}
}
