package domain

var Tables = []interface{}{
	&WhatsAppSession{},
	&SessionEvent{},
	&OutboundMessage{},
	&BroadcastJob{},
}
