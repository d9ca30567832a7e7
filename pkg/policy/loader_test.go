package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/stratushq/stratus/pkg/model"
)

// fakeFetcher serves ruleset contents from a map keyed by content-ref.
type fakeFetcher struct {
	contents map[string][]byte
}

func (f *fakeFetcher) FetchContent(ctx context.Context, ref string) ([]byte, error) {
	data, ok := f.contents[ref]
	if !ok {
		return nil, fmt.Errorf("no content at %s", ref)
	}
	return data, nil
}

func ruleset(name, ref, license string) model.Ruleset {
	return model.Ruleset{Name: name, Cloud: model.CloudAWS, ContentRef: ref, LicenseKey: license}
}

func TestParseDocumentJSONAndYAML(t *testing.T) {
	jsonDoc := []byte(`{"policies":[{"name":"r1","resource":"aws.ec2"}]}`)
	yamlDoc := []byte("policies:\n  - name: r1\n    resource: aws.ec2\n")

	for _, data := range [][]byte{jsonDoc, yamlDoc} {
		docs, err := ParseDocument(data)
		if err != nil {
			t.Fatalf("ParseDocument failed: %v", err)
		}
		if len(docs) != 1 || docs[0]["name"] != "r1" {
			t.Errorf("unexpected documents: %v", docs)
		}
	}
}

func TestParseDocumentRejectsShapelessBlob(t *testing.T) {
	if _, err := ParseDocument([]byte(`{"rules": []}`)); err == nil {
		t.Fatal("expected an error for a document without a policies key")
	}
}

func TestLoadDedupFirstWins(t *testing.T) {
	f := &fakeFetcher{contents: map[string][]byte{
		"a": []byte(`{"policies":[{"name":"dup","resource":"aws.ec2","description":"first"}]}`),
		"b": []byte(`{"policies":[{"name":"dup","resource":"aws.rds","description":"second"}]}`),
	}}
	l := NewLoader(f, nil)

	result, err := l.Load(context.Background(), LoadInput{
		Cloud:    model.CloudAWS,
		Rulesets: []model.Ruleset{ruleset("one", "a", ""), ruleset("two", "b", "")},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(result.Policies) != 1 || result.Policies[0].Description != "first" {
		t.Errorf("expected first occurrence to win, got %+v", result.Policies)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected 1 duplicate warning, got %v", result.Warnings)
	}
}

func TestLoadLicensedRulesetsComeFirst(t *testing.T) {
	f := &fakeFetcher{contents: map[string][]byte{
		"std": []byte(`{"policies":[{"name":"dup","resource":"aws.ec2","description":"standard"}]}`),
		"lic": []byte(`{"policies":[{"name":"dup","resource":"aws.ec2","description":"licensed"}]}`),
	}}
	l := NewLoader(f, nil)

	result, err := l.Load(context.Background(), LoadInput{
		Cloud:    model.CloudAWS,
		Rulesets: []model.Ruleset{ruleset("std", "std", ""), ruleset("lic", "lic", "key-1")},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if result.Policies[0].Description != "licensed" {
		t.Errorf("licensed content must be collected first, got %+v", result.Policies[0])
	}
}

func TestLoadExcludeAndKeep(t *testing.T) {
	f := &fakeFetcher{contents: map[string][]byte{
		"a": []byte(`{"policies":[
			{"name":"keepme","resource":"aws.ec2"},
			{"name":"dropme","resource":"aws.ec2"},
			{"name":"other","resource":"aws.ec2"}]}`),
	}}
	l := NewLoader(f, nil)

	result, err := l.Load(context.Background(), LoadInput{
		Cloud:    model.CloudAWS,
		Rulesets: []model.Ruleset{ruleset("a", "a", "")},
		Exclude:  []string{"dropme"},
		Keep:     []string{"keepme", "dropme"},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(result.Policies) != 1 || result.Policies[0].Name != "keepme" {
		t.Errorf("expected only keepme, got %+v", result.Policies)
	}
}

func TestLoadRecordsParseFailuresAndContinues(t *testing.T) {
	f := &fakeFetcher{contents: map[string][]byte{
		"a": []byte(`{"policies":[
			{"resource":"aws.ec2"},
			{"name":"good","resource":"aws.ec2"}]}`),
	}}
	l := NewLoader(f, nil)

	result, err := l.Load(context.Background(), LoadInput{
		Cloud:    model.CloudAWS,
		Rulesets: []model.Ruleset{ruleset("a", "a", "")},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(result.Failed) != 1 {
		t.Fatalf("expected 1 failed policy, got %+v", result.Failed)
	}
	if len(result.Policies) != 1 || result.Policies[0].Name != "good" {
		t.Errorf("load must continue past a bad policy, got %+v", result.Policies)
	}
}

func TestLoadSkipsUnknownResourceType(t *testing.T) {
	f := &fakeFetcher{contents: map[string][]byte{
		"a": []byte(`{"policies":[{"name":"odd","resource":"aws.quantum-teleporter"}]}`),
	}}
	l := NewLoader(f, nil)

	result, err := l.Load(context.Background(), LoadInput{
		Cloud:    model.CloudAWS,
		Rulesets: []model.Ruleset{ruleset("a", "a", "")},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(result.Policies) != 0 {
		t.Errorf("unknown resource type must be skipped, got %+v", result.Policies)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("expected a warning, got %v", result.Warnings)
	}
}
