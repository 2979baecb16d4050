package session

import (
	"fmt"
	"strings"

	"github.com/wolfman30/pearlflow/internal/triage"
)

// WelcomeMessage greets every new session.
const WelcomeMessage = "Welcome to PearlFlow! I'm your virtual dental assistant. How can I help you today? " +
	"Whether you're experiencing dental issues or would like to book an appointment, I'm here to assist."

const (
	msgPainPrompt = "I'm so sorry to hear you're in pain. To help us prioritise your care, " +
		"on a scale of 0 to 10, how would you rate your pain right now?"
	msgPainReask      = "Sorry, I didn't catch that. Please rate your pain on a scale of 0 to 10, where 10 is the worst pain imaginable."
	msgSwellingPrompt = "Thank you. Do you have any swelling in your face, gums or jaw?"
	msgSwellingReask  = "Sorry, I didn't quite understand. Is there any swelling? A simple yes or no is fine."
	msgFeverPrompt    = "Thanks for letting me know. Do you have a fever or feel feverish?"
	msgFeverReask     = "Sorry, I didn't quite understand. Do you have a fever? A simple yes or no is fine."
	msgEmergency      = "Difficulty breathing or swallowing alongside dental symptoms can be a medical emergency. " +
		"Please call 000 or go to your nearest emergency department immediately. Do not wait for a dental appointment."
	msgBookingIntro   = "I'd be happy to help you book an appointment. Let me check our availability."
	msgFindingSlots   = "Let me find the earliest available appointments for you."
	msgLaterTimes     = "No problem, let me look for some later times."
	msgWaitlistIntro  = "Of course. I'll add you to our waitlist and let you know as soon as a suitable time opens up."
	msgSelectedOption = "Great choice. Let me lock that in for you."
	msgGeneralHelp    = "I can help if you're experiencing dental pain, or if you'd like to book an appointment. What would you like to do?"
)

func triageSummary(score int) string {
	return fmt.Sprintf("Thank you for answering those questions. Based on what you've told me, your priority score is %d (%s priority). "+
		"I'm passing you to our scheduling assistant to find a suitable appointment.", score, triage.Urgency(score))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
