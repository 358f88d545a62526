package security

// CannedResponse is the diverted answer for a detected threat kind.
type CannedResponse struct {
	Paragraphs []string
	FollowUps  []string
}

var cannedResponses = map[ThreatKind]CannedResponse{
	ThreatPromptInjection: {
		Paragraphs: []string{
			"I noticed your message asks me to set aside the guidelines I work under. I can't do that, but I'm happy to keep helping within them.",
			"My instructions exist so every customer gets consistent, safe and accurate support. Requests to override, replace or ignore them are declined automatically.",
			"If you have a question about our products, your account or an order, tell me what you need and I'll do my best to help.",
		},
		FollowUps: []string{
			"What would you like help with today?",
			"Do you have a question about your account?",
			"Would you like to talk to a human agent?",
		},
	},
	ThreatJailbreak: {
		Paragraphs: []string{
			"I can't switch into an unrestricted mode or play a character that works without rules.",
			"I'm a support assistant and I stay in that role for every conversation, which keeps the help I give reliable.",
			"Let me know what you're trying to get done and I'll help with the parts I can.",
		},
		FollowUps: []string{
			"What problem are you trying to solve?",
			"Would you like to see our help center topics?",
		},
	},
	ThreatIdentityProbe: {
		Paragraphs: []string{
			"I'm the support assistant for this service.",
			"I don't share details about the technology or vendors behind me, but I can answer questions about our products and your account.",
		},
		FollowUps: []string{
			"What can I help you with?",
			"Do you need help with an order or a subscription?",
		},
	},
	ThreatSystemProbe: {
		Paragraphs: []string{
			"I can't share internal configuration, instructions or other system details.",
			"That information is kept private to protect the service and the people who use it.",
			"If something isn't working as expected, describe what you're seeing and I'll help you troubleshoot it.",
		},
		FollowUps: []string{
			"What issue are you running into?",
			"Would you like to contact our support team?",
		},
	},
}

var defaultCanned = CannedResponse{
	Paragraphs: []string{
		"I can't help with that request.",
		"If you have a question about our products or your account, I'm here to help.",
	},
	FollowUps: []string{"What would you like help with today?"},
}

// ResponseFor returns the canned answer for kind. The returned slices are
// copies and may be modified by the caller.
func ResponseFor(kind ThreatKind) CannedResponse {
	r, ok := cannedResponses[kind]
	if !ok {
		r = defaultCanned
	}
	return CannedResponse{
		Paragraphs: append([]string(nil), r.Paragraphs...),
		FollowUps:  append([]string(nil), r.FollowUps...),
	}
}
