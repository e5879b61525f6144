package jobspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// specHashPayload is the canonical shape hashed for spec identity. Fields
// that do not affect what the job runs (schema reference, version marker)
// are excluded; everything that changes the rendered script is included.
type specHashPayload struct {
	Name      string              `json:"name"`
	Cluster   string              `json:"cluster,omitempty"`
	Command   string              `json:"command"`
	Workdir   string              `json:"workdir,omitempty"`
	Account   string              `json:"account,omitempty"`
	Resources resourceHashPayload `json:"resources"`
	Env       []envHashPair       `json:"env,omitempty"`
	Output    *outputHashPayload  `json:"output,omitempty"`
}

type resourceHashPayload struct {
	CPUsPerTask int    `json:"cpus_per_task"`
	Tasks       int    `json:"tasks"`
	Nodes       int    `json:"nodes"`
	Memory      string `json:"memory,omitempty"`
	TimeLimit   string `json:"time_limit,omitempty"`
	Partition   string `json:"partition,omitempty"`
	Array       string `json:"array,omitempty"`
}

type envHashPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type outputHashPayload struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// HashSpec computes a canonical identity hash for a job spec. Two specs that
// render the same submission hash identically regardless of field ordering
// in the source file or env map iteration order.
func HashSpec(s *JobSpec) (string, error) {
	if s == nil {
		return "", nil
	}

	withDefaults := *s
	withDefaults.ApplyDefaults()

	payload := specHashPayload{
		Name:    strings.TrimSpace(withDefaults.Name),
		Cluster: strings.TrimSpace(withDefaults.Cluster),
		Command: withDefaults.Command,
		Workdir: strings.TrimSpace(withDefaults.Workdir),
		Account: strings.TrimSpace(withDefaults.Account),
		Resources: resourceHashPayload{
			CPUsPerTask: withDefaults.Resources.CPUsPerTask,
			Tasks:       withDefaults.Resources.Tasks,
			Nodes:       withDefaults.Resources.Nodes,
			Memory:      withDefaults.Resources.Memory,
			TimeLimit:   withDefaults.Resources.TimeLimit,
			Partition:   withDefaults.Resources.Partition,
			Array:       withDefaults.Resources.Array,
		},
		Env: sortedEnv(withDefaults.Env),
	}
	if withDefaults.Output.Stdout != "" || withDefaults.Output.Stderr != "" {
		payload.Output = &outputHashPayload{
			Stdout: withDefaults.Output.Stdout,
			Stderr: withDefaults.Output.Stderr,
		}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal spec hash payload: %w", err)
	}

	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:]), nil
}

func sortedEnv(env map[string]string) []envHashPair {
	if len(env) == 0 {
		return nil
	}
	out := make([]envHashPair, 0, len(env))
	for k, v := range env {
		out = append(out, envHashPair{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
