// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"sync"

	"github.com/jllopis/codeagent/pkg/action"
	"github.com/jllopis/codeagent/pkg/errors"
	"github.com/jllopis/codeagent/pkg/llm"
)

// ScenarioProvider is a scripted llm.Provider. Replies are served in order
// and every request is captured for later inspection.
type ScenarioProvider struct {
	mu           sync.Mutex
	responses    []ScriptedResponse
	currentIndex int
	requests     []llm.ChatRequest
	defaultError error
	onChat       func(req llm.ChatRequest) (*llm.ChatResponse, error)
}

// ScriptedResponse is one scripted model reply.
type ScriptedResponse struct {
	Content string
	Error   error
	Usage   llm.Usage
	// Block makes the call wait until its context is done.
	Block bool
	// Condition skips the reply for requests it rejects.
	Condition func(req llm.ChatRequest) bool
}

// NewScenarioProvider creates an empty provider.
func NewScenarioProvider() *ScenarioProvider {
	return &ScenarioProvider{}
}

// AddResponse queues a raw reply.
func (p *ScenarioProvider) AddResponse(content string) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Content: content})
}

// AddAction queues a reply carrying a in its canonical JSON form.
func (p *ScenarioProvider) AddAction(a action.Action) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Content: action.Encode(a)})
}

// AddErrorResponse queues a failed call.
func (p *ScenarioProvider) AddErrorResponse(err error) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Error: err})
}

// AddBlockingResponse queues a call that only returns once it is cancelled
// or times out.
func (p *ScenarioProvider) AddBlockingResponse() *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Block: true})
}

// AddScriptedResponse queues resp.
func (p *ScenarioProvider) AddScriptedResponse(resp ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
	return p
}

// WithDefaultError is returned once the script runs out.
func (p *ScenarioProvider) WithDefaultError(err error) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultError = err
	return p
}

// WithChatFunc replaces the script with fn.
func (p *ScenarioProvider) WithChatFunc(fn func(req llm.ChatRequest) (*llm.ChatResponse, error)) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChat = fn
	return p
}

// Chat implements llm.Provider.
func (p *ScenarioProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, fn, err := p.next(req)
	if fn != nil {
		return fn(req)
	}
	if err != nil {
		return nil, err
	}
	if resp.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage = llm.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}
	}
	return &llm.ChatResponse{Content: resp.Content, DoneReason: "stop", Usage: usage}, nil
}

func (p *ScenarioProvider) next(req llm.ChatRequest) (ScriptedResponse, func(llm.ChatRequest) (*llm.ChatResponse, error), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	p.requests = append(p.requests, req)

	if p.onChat != nil {
		return ScriptedResponse{}, p.onChat, nil
	}
	for p.currentIndex < len(p.responses) {
		resp := p.responses[p.currentIndex]
		p.currentIndex++
		if resp.Condition == nil || resp.Condition(req) {
			return resp, nil, nil
		}
	}
	if p.defaultError != nil {
		return ScriptedResponse{}, nil, p.defaultError
	}
	return ScriptedResponse{}, nil, errors.Newf(errors.CodeModel, "no more scripted responses (call %d)", len(p.requests)).
		WithRecoverable(false)
}

// Requests returns all captured requests.
func (p *ScenarioProvider) Requests() []llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]llm.ChatRequest, len(p.requests))
	copy(result, p.requests)
	return result
}

// LastRequest returns the most recent request.
func (p *ScenarioProvider) LastRequest() *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of Chat calls made.
func (p *ScenarioProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Remaining returns how many scripted replies have not been served.
func (p *ScenarioProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.responses) - p.currentIndex
}

// Reset rewinds the script and forgets captured requests.
func (p *ScenarioProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentIndex = 0
	p.requests = p.requests[:0]
}
