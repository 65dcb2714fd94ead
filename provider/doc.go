// Package provider holds the vendor-neutral shape of model operations and
// the inference providers that serve them over the bridge.
//
// A model descriptor targets "<vendor>/<model>" and carries:
//
//	{input|prompt, instructions, messages: [{role, content}], tools: [{name, description, parameters}],
//	 temperature, max_tokens}
//
// and resolves to:
//
//	{text, finish_reason, model, provider, usage: {...}, tool_calls: [{id, name, arguments}]}
//
// The vendor packages (provider/openai, provider/anthropic) translate that
// shape to their SDK and back.
package provider
