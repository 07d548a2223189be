package i18n

import "strings"

var translations = map[string]string{
	"invalid request":                   "درخواست نامعتبر است",
	"missing authorization token":       "توکن احراز هویت ارسال نشده است",
	"invalid token":                     "توکن نامعتبر است",
	"failed to validate user":           "خطا در اعتبارسنجی کاربر",
	"user not found":                    "کاربر یافت نشد",
	"unauthorized":                      "دسترسی غیرمجاز",
	"forbidden":                         "دسترسی غیرمجاز",
	"not found":                         "یافت نشد",
	"conversation not found":            "مکالمه یافت نشد",
	"message not found":                 "پیام یافت نشد",
	"status not found":                  "وضعیت یافت نشد",
	"not a participant":                 "شما عضو این مکالمه نیستید",
	"can only delete own messages":      "فقط پیام های خودتان قابل حذف است",
	"can only delete own statuses":      "فقط وضعیت های خودتان قابل حذف است",
	"invalid message id":                "شناسه پیام نامعتبر است",
	"invalid conversation id":           "شناسه مکالمه نامعتبر است",
	"invalid status id":                 "شناسه وضعیت نامعتبر است",
	"invalid receiverId":                "receiverId نامعتبر است",
	"messageIds required":               "شناسه پیام ها الزامی است",
	"failed to fetch messages":          "خطا در دریافت پیام ها",
	"failed to fetch conversations":     "خطا در دریافت مکالمه ها",
	"failed to fetch users":             "خطا در دریافت کاربران",
	"failed to fetch statuses":          "خطا در دریافت وضعیت ها",
	"failed to send message":            "خطا در ارسال پیام",
	"failed to delete message":          "خطا در حذف پیام",
	"failed to update message":          "خطا در به روزرسانی پیام",
	"failed to create status":           "خطا در ایجاد وضعیت",
	"failed to view status":             "خطا در ثبت بازدید وضعیت",
	"failed to delete status":           "خطا در حذف وضعیت",
	"failed to update profile":          "خطا در به روزرسانی پروفایل",
	"failed to save file":               "خطا در ذخیره فایل",
	"failed to save subscription":       "خطا در ثبت اشتراک",
	"failed to remove subscription":     "خطا در حذف اشتراک",
	"push notifications not configured": "اعلان ها پیکربندی نشده اند",
	"file too large":                    "حجم فایل بیش از حد مجاز است",
	"file must be an image":             "فایل باید تصویر باشد",
	"unsupported file type":             "نوع فایل پشتیبانی نمی شود",
	"cannot send message to yourself":   "نمی توانید به خودتان پیام دهید",
	"message content is required":       "متن پیام الزامی است",
	"receiver not found":                "گیرنده یافت نشد",
	"status content is required":        "متن وضعیت الزامی است",
	"phone number and suffix required":  "شماره تلفن و پیش شماره الزامی است",
	"invalid email address":             "آدرس ایمیل نامعتبر است",
	"invalid or expired otp":            "کد تایید نامعتبر یا منقضی شده است",
	"otp required":                      "کد تایید الزامی است",
	"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
	"username must be between 3 and 32 characters":                "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
	"username already exists":                                     "این نام کاربری قبلا ثبت شده است",
	"websocket upgrade failed":                                    "خطا در برقراری اتصال وب سوکت",
	"rate limiter error":                                          "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                                         "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":                                       "خطای داخلی سرور",
}

var prefixTranslations = map[string]string{
	"failed to send otp":      "خطا در ارسال کد تایید",
	"failed to sign token:":   "خطا در امضای توکن",
	"failed to generate otp:": "خطا در تولید کد تایید",
	"failed to hash otp:":     "خطا در پردازش کد تایید",
	"failed to store otp:":    "خطا در ذخیره کد تایید",
	"invalid token:":          "توکن نامعتبر است",
}

// Translate returns the Persian form of an English error message, or the
// message itself when there is none.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

// For picks the message for an Accept-Language header value.
func For(acceptLanguage, message string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(acceptLanguage)), "fa") {
		return Translate(message)
	}
	return message
}
