package app

// Notices are the user-facing strings the relay sends on its own behalf.
// The full localization machinery of the original deployment is out of
// scope; two small tables cover the shipped languages.
type Notices struct {
	Welcome          string
	MessageSent      string
	MessageRead      string
	ErrorProcessing  string
	UnsupportedMedia string
	Blocked          string
	Unblocked        string
	NoNewMessages    string
	NewMessagesPing  string // fmt verb: pending count
}

var englishNotices = Notices{
	Welcome:          "Welcome to the anonymous messaging relay! Any message you send will be forwarded anonymously to the operator.",
	MessageSent:      "Your message has been received. Please wait for a response.",
	MessageRead:      "Your message has been read.",
	ErrorProcessing:  "Error processing your message. Please try again later.",
	UnsupportedMedia: "The operator sent a type of message that cannot be forwarded.",
	Blocked:          "You have been blocked by the administrator. Your messages will no longer be received.",
	Unblocked:        "Your restriction has been lifted. You can now send messages again.",
	NoNewMessages:    "You have no new messages.",
	NewMessagesPing:  "📬 You have %d new message(s)!\nUse /drain to view them.",
}

var persianNotices = Notices{
	Welcome:          "به ربات پیام ناشناس خوش آمدید! هر پیامی که بفرستید به صورت ناشناس به صاحب ربات ارسال می‌شود.",
	MessageSent:      "پیام شما دریافت شد منتظر پاسخ باشید",
	MessageRead:      "پیام شما خوانده شد",
	ErrorProcessing:  "خطا در پردازش پیام شما. لطفا بعدا دوباره تلاش کنید.",
	UnsupportedMedia: "صاحب ربات نوعی از پیام را ارسال کرد که قابل انتقال نیست.",
	Blocked:          "⛔ شما توسط مدیر ربات مسدود شده‌اید. پیام‌های شما دیگر دریافت نخواهد شد.",
	Unblocked:        "🔓 محدودیت شما برداشته شده است. شما اکنون می‌توانید پیام ارسال کنید.",
	NoNewMessages:    "شما پیام جدیدی ندارید.",
	NewMessagesPing:  "📬 شما %d پیام جدید دارید!\nبرای مشاهده از /drain استفاده کنید.",
}

// NoticesFor selects the notice table for a language code. English is the
// default for unknown codes.
func NoticesFor(language string) Notices {
	if language == "fa" {
		return persianNotices
	}
	return englishNotices
}
