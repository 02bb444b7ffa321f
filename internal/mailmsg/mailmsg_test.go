package mailmsg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = "Message-ID: <pco-15@builder.example>\r\n" +
	"Date: Tue, 03 Mar 2026 09:15:00 -0500\r\n" +
	"From: Pat Manager <pm@builder.example>\r\n" +
	"To: office@builder.example\r\n" +
	"Subject: =?utf-8?q?PCO_#15_=E2=80=93_Lobby_Tile?=\r\n" +
	"References: <thread-1@builder.example> <pco-14@builder.example>\r\n" +
	"Keywords: Change Orders, Urgent\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Please review the attached pricing.</p><p>ADD $1,925 for tile &amp; grout.</p></body></html>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"PCO-15.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--outer\r\n" +
	"Content-Type: application/vnd.ms-excel; name=\"breakdown.xls\"\r\n" +
	"\r\n" +
	"AAAA\r\n" +
	"--outer--\r\n"

const plainMessage = "From: billing@vendor.example\r\n" +
	"Subject: Invoice 4411\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Invoice attached for March services, total due within thirty days.\r\n"

func TestParse_Multipart(t *testing.T) {
	msg, err := ParseBytes([]byte(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "pco-15@builder.example", msg.ID)
	assert.Equal(t, "PCO #15 – Lobby Tile", msg.Subject)
	assert.Equal(t, "pm@builder.example", msg.SenderEmail)
	assert.Equal(t, "Pat Manager", msg.SenderName)
	assert.Equal(t, []string{"Change Orders", "Urgent"}, msg.Categories)
	assert.Equal(t, "thread-1@builder.example", msg.ConversationID)
	assert.Equal(t, []string{"PCO-15.pdf", "breakdown.xls"}, msg.AttachmentNames)
	assert.True(t, msg.ReceivedAt.Equal(time.Date(2026, 3, 3, 14, 15, 0, 0, time.UTC)))

	assert.Contains(t, msg.Body, "Please review the attached pricing.")
	assert.Contains(t, msg.Body, "ADD $1,925 for tile & grout.")
	assert.NotContains(t, msg.Body, "<p>")
}

func TestParse_Plain(t *testing.T) {
	msg, err := ParseBytes([]byte(plainMessage))
	require.NoError(t, err)

	assert.Equal(t, "billing@vendor.example", msg.SenderEmail)
	assert.Empty(t, msg.SenderName)
	assert.Equal(t, "Invoice 4411", msg.Subject)
	assert.Equal(t, "Invoice attached for March services, total due within thirty days.", msg.Body)
	assert.Empty(t, msg.AttachmentNames)
	assert.Empty(t, msg.Categories)
}

func TestChooseBody(t *testing.T) {
	assert.Equal(t, "plain text wins", chooseBody("  plain text wins  ", "<b>short</b>"))
	assert.Equal(t, "the html version is longer", chooseBody("short", "<p>the html version is longer</p>"))
	assert.Equal(t, "only plain", chooseBody("only plain", ""))
}

func TestAddKeyword(t *testing.T) {
	out, changed, err := AddKeyword([]byte(plainMessage), "Invoices")
	require.NoError(t, err)
	assert.True(t, changed)

	msg, err := ParseBytes(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"Invoices"}, msg.Categories)
	assert.Equal(t, "Invoice 4411", msg.Subject)
	assert.True(t, strings.HasSuffix(string(out), "thirty days.\r\n"))

	again, changed, err := AddKeyword(out, "invoices")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, out, again)

	more, changed, err := AddKeyword(out, "Finance")
	require.NoError(t, err)
	assert.True(t, changed)
	msg, err = ParseBytes(more)
	require.NoError(t, err)
	assert.Equal(t, []string{"Invoices", "Finance"}, msg.Categories)
}

func TestSplitKeywords(t *testing.T) {
	assert.Equal(t, []string{"a", "b c"}, SplitKeywords(" a, ,b c ,"))
	assert.Nil(t, SplitKeywords(""))
}
