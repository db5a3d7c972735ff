package advisory

import "testing"

func TestParsePrediction(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		score      float64
		confidence float64
		wantErr    bool
	}{
		{
			"plain json",
			`{"score": 72.5, "confidence": 0.8, "reasoning": "elevated"}`,
			72.5, 0.8, false,
		},
		{
			"fenced json",
			"```json\n{\"score\": 60, \"confidence\": 0.7}\n```",
			60, 0.7, false,
		},
		{
			"json with prose around it",
			"Here is my assessment: {\"score\": 55, \"confidence\": 0.65} as requested.",
			55, 0.65, false,
		},
		{
			"score clamped high",
			`{"score": 150, "confidence": 0.9}`,
			100, 0.9, false,
		},
		{
			"score clamped low",
			`{"score": -20, "confidence": 0.9}`,
			0, 0.9, false,
		},
		{
			"confidence clamped",
			`{"score": 50, "confidence": 1.7}`,
			50, 1, false,
		},
		{
			"not json",
			"the service looks risky",
			0, 0, true,
		},
		{
			"empty",
			"",
			0, 0, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := parsePrediction(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePrediction: %v", err)
			}
			if pred.Score != tt.score {
				t.Errorf("score = %f, expected %f", pred.Score, tt.score)
			}
			if pred.Confidence != tt.confidence {
				t.Errorf("confidence = %f, expected %f", pred.Confidence, tt.confidence)
			}
		})
	}
}
