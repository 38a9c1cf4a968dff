package telegram

// Webhook update payload (Bot API subset this service consumes).

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from"`
	Chat      *Chat     `json:"chat"`
	Text      string    `json:"text"`
	Location  *Location `json:"location"`
}

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Reply keyboards.

type ReplyKeyboardMarkup struct {
	Keyboard        [][]KeyboardButton `json:"keyboard"`
	ResizeKeyboard  bool               `json:"resize_keyboard"`
	OneTimeKeyboard bool               `json:"one_time_keyboard,omitempty"`
}

type KeyboardButton struct {
	Text            string `json:"text"`
	RequestLocation bool   `json:"request_location,omitempty"`
}

// Menu button texts. The bot speaks Russian to its users; keep the exact
// labels the employees already know.
const (
	ButtonCheckIn  = "🟢 Пришёл"
	ButtonCheckOut = "🔴 Ушёл"
	ButtonSick     = "🤒 Болел"
	ButtonWhoToday = "📍 Кто пришёл сегодня"
	ButtonInvite   = "➕ Пригласить сотрудника"
	ButtonSites    = "🏢 Объекты"
)

// MainKeyboard is the persistent menu; admins see the reporting rows.
func MainKeyboard(isAdmin bool) *ReplyKeyboardMarkup {
	rows := [][]KeyboardButton{
		{{Text: ButtonCheckIn}, {Text: ButtonCheckOut}},
		{{Text: ButtonSick}},
	}
	if isAdmin {
		rows = append(rows, []KeyboardButton{{Text: ButtonWhoToday}, {Text: ButtonInvite}})
		rows = append(rows, []KeyboardButton{{Text: ButtonSites}})
	}
	return &ReplyKeyboardMarkup{Keyboard: rows, ResizeKeyboard: true}
}

// LocationKeyboard asks the client to attach a geolocation.
func LocationKeyboard() *ReplyKeyboardMarkup {
	return &ReplyKeyboardMarkup{
		Keyboard:       [][]KeyboardButton{{{Text: "Отправить геолокацию", RequestLocation: true}}},
		ResizeKeyboard: true,
	}
}
