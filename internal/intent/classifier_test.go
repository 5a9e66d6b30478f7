package intent

import (
	"reflect"
	"testing"

	"github.com/clawinfra/skillmesh/internal/model"
)

func TestClassifyChat(t *testing.T) {
	for _, in := range []string{"hello there", "thanks a lot", "goodbye", "who are you", "lol"} {
		got := Classify(in)
		if !reflect.DeepEqual(got, []model.IntentCategory{model.IntentChat}) {
			t.Errorf("Classify(%q) = %v, want [Chat]", in, got)
		}
	}
}

func TestClassifyFinance(t *testing.T) {
	got := Classify("What's the price of 000001 today?")
	if len(got) == 0 || got[0] != model.IntentFinance {
		t.Errorf("Classify stock code = %v, want Finance first", got)
	}

	got = Classify("BTC price prediction for next week")
	if len(got) == 0 || got[0] != model.IntentFinance {
		t.Errorf("Classify BTC = %v, want Finance first", got)
	}
}

func TestClassifyBlockchain(t *testing.T) {
	got := Classify("check this wallet 0x0000000000000000000000000000000000000001 on Uniswap")
	found := false
	for _, c := range got {
		if c == model.IntentBlockchain {
			found = true
		}
	}
	if !found {
		t.Errorf("Classify blockchain address = %v, want Blockchain present", got)
	}
}

func TestClassifyFileOps(t *testing.T) {
	got := Classify("please edit main.go and run the tests")
	found := false
	for _, c := range got {
		if c == model.IntentFileOps {
			found = true
		}
	}
	if !found {
		t.Errorf("Classify file ops = %v, want FileOps present", got)
	}
}

func TestClassifyUnknown(t *testing.T) {
	got := Classify("zzz qqq mnopq")
	if !reflect.DeepEqual(got, []model.IntentCategory{model.IntentUnknown}) {
		t.Errorf("Classify gibberish = %v, want [Unknown]", got)
	}
}

func TestClassifyMultiIntentTopTwo(t *testing.T) {
	got := Classify("search the web for my stock portfolio and email me the chart")
	if len(got) > 2 {
		t.Errorf("Classify multi-intent returned more than 2 categories: %v", got)
	}
	if len(got) == 0 {
		t.Errorf("Classify multi-intent returned no categories")
	}
}

func TestToolsForChat(t *testing.T) {
	got := ToolsForIntent(model.IntentChat)
	if len(got) != 0 {
		t.Errorf("ToolsForIntent(Chat) = %v, want empty", got)
	}
}

func TestToolsForFinanceIncludesCoreAndExtras(t *testing.T) {
	got := ToolsForIntents([]model.IntentCategory{model.IntentFinance})
	want := map[string]bool{"finance_api": true, "read_file": true, "chart_generate": true}
	for name := range want {
		found := false
		for _, t2 := range got {
			if t2 == name {
				found = true
			}
		}
		if !found {
			t.Errorf("ToolsForIntents(Finance) missing %q, got %v", name, got)
		}
	}
}

func TestToolsForUnknown(t *testing.T) {
	got := ToolsForIntent(model.IntentUnknown)
	if len(got) == 0 {
		t.Errorf("ToolsForIntent(Unknown) returned nothing")
	}
}

func TestNeedsFinanceGuidelines(t *testing.T) {
	if !NeedsFinanceGuidelines([]model.IntentCategory{model.IntentFinance}) {
		t.Error("expected finance guidelines for Finance intent")
	}
	if !NeedsFinanceGuidelines([]model.IntentCategory{model.IntentBlockchain}) {
		t.Error("expected finance guidelines for Blockchain intent")
	}
	if NeedsFinanceGuidelines([]model.IntentCategory{model.IntentFileOps}) {
		t.Error("expected no finance guidelines for FileOps intent")
	}
}

func TestNeedsSkillsList(t *testing.T) {
	if NeedsSkillsList([]model.IntentCategory{model.IntentChat}) {
		t.Error("expected no skills list for Chat")
	}
	if !NeedsSkillsList([]model.IntentCategory{model.IntentFileOps}) {
		t.Error("expected skills list for FileOps")
	}
}

func TestClassifyCalibration(t *testing.T) {
	cases := []struct {
		input   string
		want    model.IntentCategory
		exclude model.IntentCategory
	}{
		{input: "你好", want: model.IntentChat},
		{input: "查一下茅台股价然后生成图表", want: model.IntentFinance},
		{input: "云天化", want: model.IntentFinance, exclude: model.IntentDevOps},
		{input: "帮我读一下 config.json", want: model.IntentFileOps},
	}
	for _, tc := range cases {
		got := Classify(tc.input)
		found := false
		for _, c := range got {
			if c == tc.want {
				found = true
			}
			if tc.exclude != "" && c == tc.exclude {
				t.Errorf("Classify(%q) = %v, must not contain %v", tc.input, got, tc.exclude)
			}
		}
		if !found {
			t.Errorf("Classify(%q) = %v, want %v present", tc.input, got, tc.want)
		}
	}

	got := Classify("random unrelated long message qqq")
	if !reflect.DeepEqual(got, []model.IntentCategory{model.IntentUnknown}) {
		t.Errorf("Classify(unrelated) = %v, want [Unknown]", got)
	}
}

func TestClassifyIsPure(t *testing.T) {
	in := "查一下茅台股价然后生成图表"
	if !reflect.DeepEqual(Classify(in), Classify(in)) {
		t.Error("Classify is not deterministic for identical input")
	}
}
