package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// RegisterBuiltins adds the tools every deployment offers.
func RegisterBuiltins(r *Registry) {
	r.Register(weatherTool{})
	r.Register(timeTool{now: time.Now})
}

type weatherTool struct{}

func (weatherTool) Definition() Definition {
	return DefinitionFrom(openai.FunctionDefinition{
		Name:        "GetWeather",
		Description: "Get the current weather for a city.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"city": {Type: jsonschema.String, Description: "City name, for example Paris."},
				"unit": {Type: jsonschema.String, Enum: []string{"celsius", "fahrenheit"}},
			},
			Required: []string{"city"},
		},
	})
}

var conditions = []string{"sunny", "partly cloudy", "overcast", "light rain", "windy"}

// Execute reports a stable synthetic forecast; no weather provider is wired in.
func (weatherTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		City string `json:"city"`
		Unit string `json:"unit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	city := strings.TrimSpace(in.City)
	if city == "" {
		return "", errors.New("city is required")
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(city)))
	sum := h.Sum32()
	celsius := 5 + int(sum%25)
	temp, unit := celsius, "celsius"
	if strings.EqualFold(in.Unit, "fahrenheit") {
		temp, unit = celsius*9/5+32, "fahrenheit"
	}

	out, err := json.Marshal(map[string]any{
		"city":        city,
		"temperature": temp,
		"unit":        unit,
		"condition":   conditions[int(sum>>8)%len(conditions)],
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type timeTool struct {
	now func() time.Time
}

func (timeTool) Definition() Definition {
	return DefinitionFrom(openai.FunctionDefinition{
		Name:        "GetCurrentTime",
		Description: "Get the current date and time in an IANA time zone.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"timezone": {Type: jsonschema.String, Description: "IANA zone such as Europe/Paris. Defaults to UTC."},
			},
		},
	})
}

func (t timeTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	zone := strings.TrimSpace(in.Timezone)
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("unknown timezone %q", zone)
	}
	now := t.now().In(loc)
	out, err := json.Marshal(map[string]string{
		"timezone": zone,
		"time":     now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
