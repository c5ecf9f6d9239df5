package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/dnenashev/ocr-shools-import/model"
	"github.com/gin-gonic/gin"
)

// csvHeaders is the fixed export column order expected by the admin panel.
var csvHeaders = []string{
	"ФИО",
	"Школа",
	"Класс",
	"Телефон",
	"Родитель",
	"Телефон родителя",
	"Тип заявки",
	"Оценка мастер-класса",
	"Оценка спикера",
	"Отзыв",
	"Дата создания",
	"Отправлено в AMO",
	"ID контакта AMO",
	"ID сделки AMO",
}

// csvQuote force-quotes a text field. encoding/csv only quotes when it must,
// and the export format requires every text field quoted.
func csvQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func csvOptText(s *string) string {
	if s == nil {
		return csvQuote("")
	}
	return csvQuote(*s)
}

func csvRating(r *int) string {
	if r == nil {
		return ""
	}
	return strconv.Itoa(*r)
}

func csvRow(student *model.Student) string {
	sent := "Нет"
	if student.SentToAmo {
		sent = "Да"
	}

	fields := []string{
		csvQuote(student.FIO),
		csvQuote(student.School),
		csvQuote(student.Class),
		csvQuote(student.Phone),
		csvOptText(student.ParentFIO),
		csvOptText(student.ParentPhone),
		csvQuote(student.ApplicationType),
		csvRating(student.MasterclassRating),
		csvRating(student.SpeakerRating),
		csvOptText(student.Feedback),
		csvQuote(student.CreatedAt.Format("02.01.2006 15:04")),
		csvQuote(sent),
		csvOptText(student.AmoContactID),
		csvOptText(student.AmoLeadID),
	}
	return strings.Join(fields, ",")
}

// ExportCSV streams every submission matching the list filters as a CSV file.
// The leading BOM makes Excel detect UTF-8; rows use CRLF endings.
func (h *AdminHandler) ExportCSV(c *gin.Context) {
	f := parseListFilter(c)

	students, err := h.store.ExportAll(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export: " + err.Error()})
		return
	}

	var sb strings.Builder
	sb.WriteString("\uFEFF")

	headers := make([]string, len(csvHeaders))
	for i, name := range csvHeaders {
		headers[i] = csvQuote(name)
	}
	sb.WriteString(strings.Join(headers, ","))
	sb.WriteString("\r\n")

	for i := range students {
		sb.WriteString(csvRow(&students[i]))
		sb.WriteString("\r\n")
	}

	c.Header("Content-Disposition", `attachment; filename="students.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(sb.String()))
}
