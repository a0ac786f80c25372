package workflow

import "math/rand"

// The guidance slot is paired with one of two mutually exclusive instruction
// templates, chosen by a fair coin flip per submission. Both keep the
// generated description short, literal and unembellished.

const promptCharacter = `
Return a minimalistic text describing an anonymous character doing the following action: {ACTION}
Example:
- A person programming in a laptop.
Other rules:
- Use simple words, return only the text, don't add quotation marks.
- Return directly the description, no indication beforehand.
- Use basic words.
- Realistic description.
- Text should finish with space instead of endpoint.
`

const promptObject = `
Return a minimalistic text about an object related to the following action: {ACTION}.
Use simple words, return only the text, don't add quotation marks.
Example:
- A keyboard.
Other rules:
- No more than 5 words.
- Use simple words, return only the text, don't add quotation marks.
- Return directly the description, no indication beforehand.
- Use basic words.
- Realistic description.
- Text should finish with space instead of endpoint.
`

func chooseGuidance(rng *rand.Rand) string {
	if rng.Intn(2) == 0 {
		return promptCharacter
	}
	return promptObject
}
