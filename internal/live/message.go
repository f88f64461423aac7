package live

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ClaimToolName is the function the model calls when it hears a checkable claim.
const ClaimToolName = "detect_claim"

const claimToolDeclaration = `{
  "name": "detect_claim",
  "description": "Report a factual, verifiable claim heard in the audio stream.",
  "parameters": {
    "type": "OBJECT",
    "properties": {
      "claim_title": {"type": "STRING", "description": "A short headline for the claim."},
      "claim_text": {"type": "STRING", "description": "The claim restated as a single self-contained sentence."}
    },
    "required": ["claim_title", "claim_text"]
  }
}`

// DefaultSystemInstruction asks the model to listen and report claims through the tool only.
const DefaultSystemInstruction = "You are a silent fact-check listener. Listen to the audio. Whenever a speaker makes a specific, verifiable factual claim, call detect_claim once for it. Do not call it for opinions, questions or jokes. Do not speak."

// DefaultAudioMIME is used when SendAudio is called without a MIME type.
const DefaultAudioMIME = "audio/pcm;rate=16000"

// buildSetupFrame renders the first frame sent after the websocket opens.
func buildSetupFrame(model, systemInstruction string) []byte {
	if systemInstruction == "" {
		systemInstruction = DefaultSystemInstruction
	}
	frame := []byte(`{"setup":{}}`)
	frame, _ = sjson.SetBytes(frame, "setup.model", model)
	frame, _ = sjson.SetRawBytes(frame, "setup.generation_config", []byte(`{"response_modalities":["AUDIO"]}`))
	frame, _ = sjson.SetBytes(frame, "setup.system_instruction.parts.0.text", systemInstruction)
	frame, _ = sjson.SetRawBytes(frame, "setup.tools.0.function_declarations.0", []byte(claimToolDeclaration))
	return frame
}

// buildAudioFrame wraps one base64 PCM chunk as realtime input.
func buildAudioFrame(b64, mime string) []byte {
	if mime == "" {
		mime = DefaultAudioMIME
	}
	frame := []byte(`{"realtime_input":{"media_chunks":[{}]}}`)
	frame, _ = sjson.SetBytes(frame, "realtime_input.media_chunks.0.mime_type", mime)
	frame, _ = sjson.SetBytes(frame, "realtime_input.media_chunks.0.data", b64)
	return frame
}

// buildToolResponseFrame acknowledges one function call. errMsg non-empty marks the call as rejected.
func buildToolResponseFrame(callID, name, errMsg string) []byte {
	frame := []byte(`{"tool_response":{"functionResponses":[{}]}}`)
	if callID != "" {
		frame, _ = sjson.SetBytes(frame, "tool_response.functionResponses.0.id", callID)
	}
	frame, _ = sjson.SetBytes(frame, "tool_response.functionResponses.0.name", name)
	if errMsg != "" {
		frame, _ = sjson.SetBytes(frame, "tool_response.functionResponses.0.response.error", errMsg)
	} else {
		frame, _ = sjson.SetBytes(frame, "tool_response.functionResponses.0.response.result", "ok")
	}
	return frame
}

// functionCall is one entry of toolCall.functionCalls.
type functionCall struct {
	ID    string
	Name  string
	Title string
	Text  string
}

func parseFunctionCalls(payload []byte) []functionCall {
	calls := gjson.GetBytes(payload, "toolCall.functionCalls")
	if !calls.IsArray() {
		return nil
	}
	var out []functionCall
	calls.ForEach(func(_, call gjson.Result) bool {
		out = append(out, functionCall{
			ID:    call.Get("id").String(),
			Name:  call.Get("name").String(),
			Title: call.Get("args.claim_title").String(),
			Text:  call.Get("args.claim_text").String(),
		})
		return true
	})
	return out
}

func rawJSON(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}
